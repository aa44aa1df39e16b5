package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"planwise/api/internal/convo"
	"planwise/api/internal/promptguard"
	"planwise/api/internal/rbac"
)

// EnqueueTurn buffers one conversation turn for the (project, step, user)
// thread. User-authored turns are screened before entering the buffer;
// flagged text is stored in sanitized form and injection attempts are
// rejected outright.
func (s *Service) EnqueueTurn(ctx context.Context, projectID string, workflowStep int, userID string, actor Actor, role, content string) (convo.Turn, error) {
	if !rbac.ValidWorkflowStep(workflowStep) {
		return convo.Turn{}, validationError(fmt.Sprintf("workflow step must be between %d and %d", rbac.MinWorkflowStep, rbac.MaxWorkflowStep))
	}
	if role != convo.RoleUser && role != convo.RoleAssistant {
		return convo.Turn{}, validationError("turn role must be user or assistant")
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceConversation, rbac.ActionCreate, rbac.Context{WorkflowStep: workflowStep, OwnerID: userID})
	if !decision.Allowed {
		return convo.Turn{}, forbidden(decision.Reason, nil)
	}

	if role == convo.RoleUser {
		result := s.guard.Check(content, promptguard.ContextChat)
		if promptguard.ShouldReject(result, promptguard.ContextChat) {
			s.logger.Warn("conversation turn rejected by security screening",
				zap.String("project", projectID),
				zap.Int("step", workflowStep),
				zap.String("risk", string(result.RiskLevel)))
			return convo.Turn{}, securityRisk()
		}
		if !result.IsSecure {
			content = result.SanitizedInput
		}
	}

	key := convo.Key{ProjectID: projectID, Step: workflowStep, UserID: userID}
	return s.convos.Enqueue(key, role, content), nil
}

// GetConversation returns the durable history plus any buffered turns, so a
// caller always sees turns it just sent.
func (s *Service) GetConversation(ctx context.Context, projectID string, workflowStep int, userID string, actor Actor) ([]convo.Turn, error) {
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceConversation, rbac.ActionRead, rbac.Context{WorkflowStep: workflowStep, OwnerID: userID})
	if !decision.Allowed {
		return nil, forbidden(decision.Reason, nil)
	}
	return s.convos.CurrentMessages(ctx, convo.Key{ProjectID: projectID, Step: workflowStep, UserID: userID})
}

// FlushConversation persists the buffered turns for one thread. A failed
// write leaves the buffer intact for retry.
func (s *Service) FlushConversation(ctx context.Context, projectID string, workflowStep int, userID string, actor Actor) error {
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceConversation, rbac.ActionCreate, rbac.Context{WorkflowStep: workflowStep, OwnerID: userID})
	if !decision.Allowed {
		return forbidden(decision.Reason, nil)
	}
	return s.convos.Flush(ctx, convo.Key{ProjectID: projectID, Step: workflowStep, UserID: userID})
}

// ReplaceConversation overwrites the thread's durable history and drops the
// buffer, used when a client restores an edited transcript.
func (s *Service) ReplaceConversation(ctx context.Context, projectID string, workflowStep int, userID string, actor Actor, turns []convo.Turn) error {
	if actor.UserID != userID && !s.isAdmin(actor) {
		return forbidden("only the conversation owner may replace its history", nil)
	}
	for _, turn := range turns {
		if turn.Role != convo.RoleUser && turn.Role != convo.RoleAssistant {
			return validationError("turn role must be user or assistant")
		}
	}
	return s.convos.ReplaceAll(ctx, convo.Key{ProjectID: projectID, Step: workflowStep, UserID: userID}, turns)
}

// ClearConversation deletes the thread's durable history and buffer.
func (s *Service) ClearConversation(ctx context.Context, projectID string, workflowStep int, userID string, actor Actor) error {
	if actor.UserID != userID && !s.isAdmin(actor) {
		return forbidden("only the conversation owner may clear its history", nil)
	}
	return s.convos.Clear(ctx, convo.Key{ProjectID: projectID, Step: workflowStep, UserID: userID})
}

// CheckPromptSecurity exposes the screening filter directly so clients can
// pre-validate text before submitting it. Unknown usage contexts fall back to
// the chat profile.
func (s *Service) CheckPromptSecurity(text, usageContext string) promptguard.Result {
	usage := promptguard.UsageContext(usageContext)
	switch usage {
	case promptguard.ContextDocument, promptguard.ContextChat, promptguard.ContextAnalysis, promptguard.ContextReport:
	default:
		usage = promptguard.ContextChat
	}
	return s.guard.Check(text, usage)
}
