package promptguard

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule categories. Override, hijack, extraction, and bypass matches escalate
// straight to critical; structural anomalies only to medium.
const (
	CategoryInstructionOverride = "instruction_override"
	CategoryRoleHijack          = "role_hijack"
	CategoryPromptExtraction    = "prompt_extraction"
	CategorySafetyBypass        = "safety_bypass"
	CategoryStructural          = "structural"
)

type Rule struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
	Pattern  string `yaml:"pattern"`
}

// RuleSet is the versioned detection configuration. The built-in set ships
// with the binary; deployments can override it from a yaml file so new attack
// phrasing lands without a code change.
type RuleSet struct {
	Version  string   `yaml:"version"`
	Rules    []Rule   `yaml:"rules"`
	Keywords []string `yaml:"keywords"`
}

func LoadRules(path string) (RuleSet, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	var rules RuleSet
	if err := yaml.Unmarshal(contents, &rules); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules file: %w", err)
	}
	if len(rules.Rules) == 0 && len(rules.Keywords) == 0 {
		return RuleSet{}, fmt.Errorf("rules file %s defines no rules or keywords", path)
	}
	return rules, nil
}

func DefaultRules() RuleSet {
	return RuleSet{
		Version: "2026-08",
		Rules: []Rule{
			{
				Name:     "override-ignore-previous",
				Category: CategoryInstructionOverride,
				Pattern:  `(?i)ignore\s+(?:all\s+|any\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?|directives?|messages?)`,
			},
			{
				Name:     "override-disregard",
				Category: CategoryInstructionOverride,
				Pattern:  `(?i)disregard\s+(?:all\s+|any\s+|your\s+)?(?:previous|prior|system|earlier)\s+(?:instructions?|prompts?|rules?|guidance)`,
			},
			{
				Name:     "override-forget",
				Category: CategoryInstructionOverride,
				Pattern:  `(?i)forget\s+(?:everything|all)\s+(?:you\s+(?:know|were\s+told)|above|before)`,
			},
			{
				Name:     "hijack-you-are-now",
				Category: CategoryRoleHijack,
				Pattern:  `(?i)you\s+are\s+now\s+(?:a|an|the|in)\s+`,
			},
			{
				Name:     "hijack-act-as",
				Category: CategoryRoleHijack,
				Pattern:  `(?i)act\s+as\s+(?:if\s+you\s+(?:are|were)|a|an)\s+`,
			},
			{
				Name:     "hijack-pretend",
				Category: CategoryRoleHijack,
				Pattern:  `(?i)pretend\s+(?:to\s+be|that\s+you\s+are|you\s+are)\s+`,
			},
			{
				Name:     "hijack-from-now-on",
				Category: CategoryRoleHijack,
				Pattern:  `(?i)from\s+now\s+on\s+you\s+(?:are|will|must)`,
			},
			{
				Name:     "extraction-reveal",
				Category: CategoryPromptExtraction,
				Pattern:  `(?i)(?:reveal|show|print|repeat|display|output)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+|initial\s+|hidden\s+)?(?:prompt|instructions?|directives?)`,
			},
			{
				Name:     "extraction-what-are",
				Category: CategoryPromptExtraction,
				Pattern:  `(?i)what\s+(?:is|are|were)\s+your\s+(?:system\s+|initial\s+|original\s+)?(?:prompt|instructions?)`,
			},
			{
				Name:     "bypass-safety",
				Category: CategorySafetyBypass,
				Pattern:  `(?i)(?:bypass|disable|turn\s+off|override|remove)\s+(?:your\s+|the\s+|all\s+)?(?:safety|security|content|ethical)\s+(?:filters?|guidelines?|checks?|restrictions?|polic(?:y|ies))`,
			},
			{
				Name:     "bypass-without-restrictions",
				Category: CategorySafetyBypass,
				Pattern:  `(?i)(?:respond|answer|reply)\s+without\s+(?:any\s+)?(?:restrictions?|filters?|limitations?|censorship)`,
			},
			{
				Name:     "structural-special-run",
				Category: CategoryStructural,
				Pattern:  "[{}<>|\\\\$;&`#*=~^%]{6,}",
			},
			{
				Name:     "structural-html-comment",
				Category: CategoryStructural,
				Pattern:  `<!--[\s\S]*?-->`,
			},
		},
		Keywords: []string{
			"jailbreak",
			"jail break",
			"dan mode",
			"do anything now",
			"developer mode",
			"no restrictions",
			"unfiltered response",
			"system prompt",
			"prompt injection",
			"ignore previous",
		},
	}
}
