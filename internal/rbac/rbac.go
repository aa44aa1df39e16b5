package rbac

import (
	"fmt"
	"strings"
)

type GlobalRole string
type ProjectRole string
type Resource string
type Action string

const (
	GlobalUser  GlobalRole = "user"
	GlobalAdmin GlobalRole = "admin"
)

const (
	RoleContentPlanning ProjectRole = "content_planning"
	RoleServicePlanning ProjectRole = "service_planning"
	RoleUXPlanning      ProjectRole = "ux_planning"
	RoleDeveloper       ProjectRole = "developer"
)

const (
	ResourceProject      Resource = "project"
	ResourceDocument     Resource = "document"
	ResourceMember       Resource = "member"
	ResourceConversation Resource = "conversation"
)

const (
	ActionCreate  Action = "create"
	ActionRead    Action = "read"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionApprove Action = "approve"
	ActionManage  Action = "manage"
)

// Document status values as the matrix sees them. The store owns the
// canonical status type; callers pass the raw value through Context.
const (
	DocStatusPrivate = "private"
)

type Actor struct {
	UserID           string
	GlobalRole       GlobalRole
	ProjectRole      ProjectRole
	IsProjectCreator bool
	HasMembership    bool
}

type Context struct {
	WorkflowStep   int
	OwnerID        string
	DocumentStatus string
}

type Decision struct {
	Allowed       bool
	Reason        string
	RequiredRoles []ProjectRole
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Check decides whether actor may perform action on resource. It is pure and
// total: every input yields a Decision, never a panic. Denials always carry a
// reason, and approval denials name the roles that could have approved.
func Check(actor Actor, resource Resource, action Action, ctx Context) Decision {
	if actor.GlobalRole == GlobalAdmin {
		return allow()
	}

	if actor.IsProjectCreator && creatorAllowed(resource, action) {
		return allow()
	}

	if !actor.HasMembership && !actor.IsProjectCreator {
		return deny("not a project member")
	}

	// Owners keep control of their own resources regardless of the matrix.
	if actor.UserID != "" && actor.UserID == ctx.OwnerID && (action == ActionUpdate || action == ActionDelete) {
		return allow()
	}

	if resource == ResourceDocument {
		if decision, ok := checkDocument(actor, action, ctx); ok {
			return decision
		}
	}

	if matrixAllows(actor.ProjectRole, resource, action) {
		return allow()
	}
	return deny(fmt.Sprintf("role %q may not %s %s", actor.ProjectRole, action, resource))
}

// checkDocument applies the document-specific rules that precede the generic
// matrix: private visibility and step-gated approval. The second return value
// reports whether the rule set produced a final decision.
func checkDocument(actor Actor, action Action, ctx Context) (Decision, bool) {
	if ctx.DocumentStatus == DocStatusPrivate && actor.UserID != ctx.OwnerID {
		if actor.IsProjectCreator {
			return allow(), true
		}
		return deny("private documents are only visible to their owner"), true
	}

	if action == ActionApprove {
		required := ApproverRolesForStep(ctx.WorkflowStep)
		for _, role := range required {
			if actor.ProjectRole == role {
				return allow(), true
			}
		}
		return Decision{
			Reason:        approvalDenialReason(ctx.WorkflowStep, required),
			RequiredRoles: required,
		}, true
	}

	return Decision{}, false
}

// creatorAllowed covers the project creator's elevated rights: everything on
// the project short of deleting it, full membership management, and document
// approval.
func creatorAllowed(resource Resource, action Action) bool {
	switch resource {
	case ResourceProject:
		return action != ActionDelete
	case ResourceMember:
		return true
	case ResourceDocument:
		return action == ActionApprove
	case ResourceConversation:
		return false
	default:
		return false
	}
}

// matrixAllows is the static role x resource x action matrix. Each resource
// and action is an explicit case so that adding a role, resource, or action
// forces this function to be revisited.
func matrixAllows(role ProjectRole, resource Resource, action Action) bool {
	switch role {
	case RoleContentPlanning, RoleServicePlanning, RoleUXPlanning, RoleDeveloper:
		// The four project roles share the same baseline grants; approval
		// rights differ only per workflow step, which checkDocument handles.
	default:
		return false
	}

	switch resource {
	case ResourceProject:
		return action == ActionRead
	case ResourceDocument:
		switch action {
		case ActionCreate, ActionRead:
			return true
		case ActionUpdate, ActionDelete, ActionApprove, ActionManage:
			return false
		default:
			return false
		}
	case ResourceMember:
		return action == ActionRead
	case ResourceConversation:
		switch action {
		case ActionCreate, ActionRead:
			return true
		case ActionUpdate, ActionDelete, ActionApprove, ActionManage:
			return false
		default:
			return false
		}
	default:
		return false
	}
}

func approvalDenialReason(step int, required []ProjectRole) string {
	if len(required) == 0 {
		return fmt.Sprintf("no role may approve documents at workflow step %d", step)
	}
	names := make([]string, 0, len(required))
	for _, role := range required {
		names = append(names, string(role))
	}
	return fmt.Sprintf("approving step %d documents requires role %s", step, strings.Join(names, " or "))
}

func NormalizeProjectRole(role string) (ProjectRole, bool) {
	switch ProjectRole(role) {
	case RoleContentPlanning, RoleServicePlanning, RoleUXPlanning, RoleDeveloper:
		return ProjectRole(role), true
	default:
		return "", false
	}
}

func NormalizeGlobalRole(role string) GlobalRole {
	if GlobalRole(role) == GlobalAdmin {
		return GlobalAdmin
	}
	return GlobalUser
}
