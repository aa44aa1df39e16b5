// Package promptguard screens free text for prompt-injection phrasing before
// it is sent to a language model or persisted as trusted content. It is
// advisory filtering: it reduces exposure to known attack phrasing and must
// not be the only safeguard.
package promptguard

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func riskRank(level RiskLevel) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 0
	}
}

// escalate raises risk monotonically; a level is never downgraded once set.
func escalate(current, candidate RiskLevel) RiskLevel {
	if riskRank(candidate) > riskRank(current) {
		return candidate
	}
	return current
}

type UsageContext string

const (
	ContextDocument UsageContext = "document"
	ContextChat     UsageContext = "chat"
	ContextAnalysis UsageContext = "analysis"
	ContextReport   UsageContext = "report"
)

type Result struct {
	IsSecure           bool      `json:"isSecure"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	DetectedPatterns   []string  `json:"detectedPatterns"`
	SuspiciousKeywords []string  `json:"suspiciousKeywords"`
	SanitizedInput     string    `json:"sanitizedInput"`
	Recommendations    []string  `json:"recommendations"`
}

const placeholder = "[FILTERED]"
const truncationMarker = "…[truncated]"

// profile adjusts detection per usage context. Report generation is fed
// pre-formatted text, so it tolerates HTML comments and long input that chat
// or document contexts would flag.
type profile struct {
	maxLength         int
	allowHTMLComments bool
	allowLongInput    bool
}

func profileFor(usage UsageContext) profile {
	switch usage {
	case ContextDocument:
		return profile{maxLength: 20000}
	case ContextAnalysis:
		return profile{maxLength: 8000}
	case ContextReport:
		return profile{maxLength: 100000, allowHTMLComments: true, allowLongInput: true}
	case ContextChat:
		return profile{maxLength: 4000}
	default:
		return profile{maxLength: 4000}
	}
}

// RejectThreshold is the lowest risk level at which callers should reject
// outright rather than sanitize and warn. Analysis input feeds automated
// pipelines with no human in the loop, so it rejects earlier.
func RejectThreshold(usage UsageContext) RiskLevel {
	if usage == ContextAnalysis {
		return RiskHigh
	}
	return RiskCritical
}

func ShouldReject(result Result, usage UsageContext) bool {
	return riskRank(result.RiskLevel) >= riskRank(RejectThreshold(usage))
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

type Filter struct {
	version  string
	rules    []compiledRule
	keywords []string
}

func New(rules RuleSet) (*Filter, error) {
	filter := &Filter{version: rules.Version, keywords: rules.Keywords}
	for _, rule := range rules.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", rule.Name, err)
		}
		filter.rules = append(filter.rules, compiledRule{Rule: rule, re: re})
	}
	return filter, nil
}

// NewDefault builds a filter from the built-in rule set. The defaults are
// compile-checked by tests, so a failure here is a programming error.
func NewDefault() *Filter {
	filter, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return filter
}

func (f *Filter) Version() string {
	return f.version
}

// Check classifies input for the given usage context. It never fails; the
// caller always receives a classification and a sanitized fallback.
func (f *Filter) Check(input string, usage UsageContext) Result {
	p := profileFor(usage)
	risk := RiskLow
	var detected []string
	var suspicious []string
	sanitized := input

	// Pattern detector.
	for _, rule := range f.rules {
		if p.allowHTMLComments && rule.Name == "structural-html-comment" {
			continue
		}
		if !rule.re.MatchString(input) {
			continue
		}
		detected = append(detected, rule.Name)
		risk = escalate(risk, categoryRisk(rule.Category))
		sanitized = rule.re.ReplaceAllString(sanitized, placeholder)
	}

	if !p.allowLongInput && len(input) > p.maxLength {
		detected = append(detected, "structural-oversize")
		risk = escalate(risk, RiskMedium)
	}
	if hasExcessiveRepetition(input) {
		detected = append(detected, "structural-repetition")
		risk = escalate(risk, RiskMedium)
	}

	// Keyword detector.
	lower := strings.ToLower(input)
	for _, keyword := range f.keywords {
		if !strings.Contains(lower, keyword) {
			continue
		}
		suspicious = append(suspicious, keyword)
		risk = escalate(risk, RiskMedium)
		sanitized = replaceFold(sanitized, keyword, placeholder)
	}

	// Encoding-evasion detector.
	if f.scanEncoded(input, 0) {
		detected = append(detected, "encoding-evasion")
		risk = escalate(risk, RiskHigh)
	}

	sanitized = tidy(sanitized, p.maxLength)

	return Result{
		IsSecure:           risk == RiskLow && len(detected) == 0 && len(suspicious) == 0,
		RiskLevel:          risk,
		DetectedPatterns:   detected,
		SuspiciousKeywords: suspicious,
		SanitizedInput:     sanitized,
		Recommendations:    recommend(risk, len(suspicious) > 0),
	}
}

func categoryRisk(category string) RiskLevel {
	switch category {
	case CategoryInstructionOverride, CategoryRoleHijack, CategoryPromptExtraction, CategorySafetyBypass:
		return RiskCritical
	case CategoryStructural:
		return RiskMedium
	default:
		return RiskMedium
	}
}

var base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)

// scanEncoded decodes suspected base64 and percent-encoded substrings and
// re-runs detection on the decoded text, bounded to two levels of nesting.
func (f *Filter) scanEncoded(input string, depth int) bool {
	if depth >= 2 {
		return false
	}

	hit := false
	for _, candidate := range base64Candidate.FindAllString(input, 8) {
		decoded, err := base64.StdEncoding.DecodeString(padBase64(candidate))
		if err != nil || !mostlyPrintable(decoded) {
			continue
		}
		text := string(decoded)
		if f.matchesAny(text) || f.scanEncoded(text, depth+1) {
			hit = true
		}
	}

	if strings.Contains(input, "%") {
		if unescaped, err := url.QueryUnescape(input); err == nil && unescaped != input {
			if f.matchesAny(unescaped) || f.scanEncoded(unescaped, depth+1) {
				hit = true
			}
		}
	}
	return hit
}

func (f *Filter) matchesAny(text string) bool {
	for _, rule := range f.rules {
		if rule.Category == CategoryStructural {
			continue
		}
		if rule.re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, keyword := range f.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func padBase64(candidate string) string {
	if rem := len(candidate) % 4; rem != 0 {
		return candidate + strings.Repeat("=", 4-rem)
	}
	return candidate
}

func mostlyPrintable(decoded []byte) bool {
	if len(decoded) == 0 {
		return false
	}
	printable := 0
	for _, b := range decoded {
		if b == '\n' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return printable*10 >= len(decoded)*9
}

// hasExcessiveRepetition flags inputs dominated by one repeated token, a
// cheap tell for filler used to bury an instruction.
func hasExcessiveRepetition(input string) bool {
	if len(input) < 200 {
		return false
	}
	words := strings.Fields(strings.ToLower(input))
	if len(words) < 40 {
		return false
	}
	counts := make(map[string]int, len(words))
	for _, word := range words {
		if len(word) >= 3 {
			counts[word]++
		}
	}
	for _, count := range counts {
		if count >= 20 && count*2 >= len(words) {
			return true
		}
	}
	return false
}

var (
	spaceRuns   = regexp.MustCompile(`[ \t]{3,}`)
	newlineRuns = regexp.MustCompile(`\n{3,}`)
)

// tidy strips control characters, collapses excess whitespace, and truncates
// oversized input with a marker. Benign input passes through unchanged.
func tidy(text string, maxLength int) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || (!unicode.IsControl(r) && r != unicode.ReplacementChar) {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	cleaned = spaceRuns.ReplaceAllString(cleaned, " ")
	cleaned = newlineRuns.ReplaceAllString(cleaned, "\n\n")
	if len(cleaned) > maxLength {
		cut := maxLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut] + truncationMarker
	}
	return cleaned
}

// replaceFold replaces every case-insensitive occurrence of substr. Keywords
// are ASCII, so byte offsets into the lowered copy line up with the original.
func replaceFold(text, substr, replacement string) string {
	if substr == "" {
		return text
	}
	lower := strings.ToLower(text)
	sub := strings.ToLower(substr)
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(lower[i:], sub)
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+j])
		b.WriteString(replacement)
		i += j + len(sub)
	}
	return b.String()
}

func recommend(risk RiskLevel, hasKeywords bool) []string {
	var recommendations []string
	switch risk {
	case RiskCritical:
		recommendations = append(recommendations, "reject the input; it contains prompt-injection phrasing")
	case RiskHigh:
		recommendations = append(recommendations, "forward the sanitized text only and warn the submitter")
	case RiskMedium:
		recommendations = append(recommendations, "prefer the sanitized text and log the submission")
	}
	if hasKeywords {
		recommendations = append(recommendations, "review flagged terms before trusting the content")
	}
	return recommendations
}
