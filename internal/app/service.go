package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"planwise/api/internal/config"
	"planwise/api/internal/convo"
	"planwise/api/internal/promptguard"
	"planwise/api/internal/rbac"
	"planwise/api/internal/store"
	"planwise/api/internal/util"
)

// Actor is the authenticated caller context supplied by the external
// authentication collaborator.
type Actor struct {
	UserID           string
	GlobalRole       string
	ProjectRole      string
	IsProjectCreator bool
}

type DocumentPatch struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Status  *string `json:"status"`
}

// UserDirectory resolves a user id to a display name for read joins. It is an
// external collaborator; a nil directory leaves names blank.
type UserDirectory func(ctx context.Context, userID string) (string, error)

type dataStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	InsertDocument(context.Context, store.Document) error
	ListProjectDocuments(context.Context, string, int) ([]store.Document, error)
	TransitionStatus(context.Context, store.Transition) error
	UpdateDocumentContent(ctx context.Context, documentID, title, content, editedBy string) (int, error)
	UpdateDocumentTitle(ctx context.Context, documentID, title string) error
	ListDocumentVersions(context.Context, string) ([]store.DocumentVersion, error)
	ListApprovalHistory(context.Context, string) ([]store.ApprovalHistoryEntry, error)
	GetProjectMember(ctx context.Context, projectID, userID string) (store.ProjectMember, error)
	UpsertProjectMember(context.Context, store.ProjectMember) error
	DeleteProjectMember(ctx context.Context, projectID, userID string) error
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg    config.Config
	store  dataStore
	convos *convo.Manager
	guard  *promptguard.Filter
	users  UserDirectory
	logger *zap.Logger
}

func New(cfg config.Config, dataStore *store.PostgresStore, convos *convo.Manager, guard *promptguard.Filter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		convos: convos,
		guard:  guard,
		logger: logger,
	}
}

// SetUserDirectory wires the optional display-name lookup used by history
// reads.
func (s *Service) SetUserDirectory(users UserDirectory) {
	s.users = users
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) rbacActor(actor Actor) rbac.Actor {
	role, hasRole := rbac.NormalizeProjectRole(actor.ProjectRole)
	return rbac.Actor{
		UserID:           actor.UserID,
		GlobalRole:       rbac.NormalizeGlobalRole(actor.GlobalRole),
		ProjectRole:      role,
		IsProjectCreator: actor.IsProjectCreator,
		HasMembership:    hasRole,
	}
}

func (s *Service) isAdmin(actor Actor) bool {
	return rbac.NormalizeGlobalRole(actor.GlobalRole) == rbac.GlobalAdmin
}

func documentContext(doc store.Document) rbac.Context {
	return rbac.Context{
		WorkflowStep:   doc.WorkflowStep,
		OwnerID:        doc.CreatedBy,
		DocumentStatus: string(doc.Status),
	}
}

// CreateDocument starts a new planning document in private status at version 1.
func (s *Service) CreateDocument(ctx context.Context, projectID string, actor Actor, workflowStep int, title, content string) (store.Document, error) {
	if !rbac.ValidWorkflowStep(workflowStep) {
		return store.Document{}, validationError(fmt.Sprintf("workflow step must be between %d and %d", rbac.MinWorkflowStep, rbac.MaxWorkflowStep))
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Document{}, validationError("title is required")
	}
	if len(content) > s.cfg.MaxContentBytes {
		return store.Document{}, validationError("content exceeds the maximum allowed size")
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionCreate, rbac.Context{WorkflowStep: workflowStep})
	if !decision.Allowed {
		return store.Document{}, forbidden(decision.Reason, nil)
	}

	if result := s.guard.Check(content, promptguard.ContextDocument); promptguard.ShouldReject(result, promptguard.ContextDocument) {
		s.logger.Warn("document content rejected by security screening",
			zap.String("project", projectID),
			zap.String("risk", string(result.RiskLevel)))
		return store.Document{}, securityRisk()
	}

	doc := store.Document{
		ID:           util.NewID("doc"),
		ProjectID:    projectID,
		WorkflowStep: workflowStep,
		Title:        title,
		Content:      content,
		Status:       store.StatusPrivate,
		Version:      1,
		CreatedBy:    actor.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, doc.ID)
}

// GetDocument enforces read visibility: private documents are only readable
// by their creator, the project creator, or an admin.
func (s *Service) GetDocument(ctx context.Context, documentID string, actor Actor) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionRead, documentContext(doc))
	if !decision.Allowed {
		return store.Document{}, forbidden(decision.Reason, nil)
	}
	return doc, nil
}

func (s *Service) ListDocuments(ctx context.Context, projectID string, actor Actor, workflowStep int) ([]store.Document, error) {
	rbacActor := s.rbacActor(actor)
	decision := rbac.Check(rbacActor, rbac.ResourceProject, rbac.ActionRead, rbac.Context{})
	if !decision.Allowed {
		return nil, forbidden(decision.Reason, nil)
	}

	documents, err := s.store.ListProjectDocuments(ctx, projectID, workflowStep)
	if err != nil {
		return nil, err
	}

	// Private documents belonging to others are filtered out of listings
	// rather than erroring the whole request.
	visible := make([]store.Document, 0, len(documents))
	for _, doc := range documents {
		if rbac.Check(rbacActor, rbac.ResourceDocument, rbac.ActionRead, documentContext(doc)).Allowed {
			visible = append(visible, doc)
		}
	}
	return visible, nil
}

// RequestApproval moves a private document into pending_approval. Only the
// document's creator or an admin may submit; the ownership check precedes the
// generic permission check.
func (s *Service) RequestApproval(ctx context.Context, documentID string, actor Actor) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusPrivate {
		return store.Document{}, invalidTransition(fmt.Sprintf(
			"cannot request approval: document status is %q and only private documents can be submitted", doc.Status))
	}
	if actor.UserID != doc.CreatedBy && !s.isAdmin(actor) {
		return store.Document{}, forbidden("only the document creator may request approval", nil)
	}

	err = s.store.TransitionStatus(ctx, store.Transition{
		DocumentID: documentID,
		From:       store.StatusPrivate,
		To:         store.StatusPendingApproval,
		ActorID:    actor.UserID,
		Action:     store.HistoryRequested,
	})
	if err != nil {
		return store.Document{}, mapConflict(err)
	}
	return s.store.GetDocument(ctx, documentID)
}

// Approve makes a pending document official. The permission matrix gates the
// action on the approver roles configured for the document's workflow step.
func (s *Service) Approve(ctx context.Context, documentID string, actor Actor) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusPendingApproval {
		return store.Document{}, invalidTransition(fmt.Sprintf(
			"cannot approve: document status is %q and approval requires pending_approval", doc.Status))
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionApprove, documentContext(doc))
	if !decision.Allowed {
		return store.Document{}, forbidden(decision.Reason, map[string]any{"requiredRoles": decision.RequiredRoles})
	}

	err = s.store.TransitionStatus(ctx, store.Transition{
		DocumentID: documentID,
		From:       store.StatusPendingApproval,
		To:         store.StatusOfficial,
		ActorID:    actor.UserID,
		Action:     store.HistoryApproved,
	})
	if err != nil {
		return store.Document{}, mapConflict(err)
	}
	return s.store.GetDocument(ctx, documentID)
}

// Reject returns a pending document to private and clears approver fields.
// Rejection shares Approve's preconditions and authorization.
func (s *Service) Reject(ctx context.Context, documentID string, actor Actor, reason string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.Status != store.StatusPendingApproval {
		return store.Document{}, invalidTransition(fmt.Sprintf(
			"cannot reject: document status is %q and rejection requires pending_approval", doc.Status))
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionApprove, documentContext(doc))
	if !decision.Allowed {
		return store.Document{}, forbidden(decision.Reason, map[string]any{"requiredRoles": decision.RequiredRoles})
	}

	err = s.store.TransitionStatus(ctx, store.Transition{
		DocumentID: documentID,
		From:       store.StatusPendingApproval,
		To:         store.StatusPrivate,
		ActorID:    actor.UserID,
		Action:     store.HistoryRejected,
		Reason:     strings.TrimSpace(reason),
	})
	if err != nil {
		return store.Document{}, mapConflict(err)
	}
	return s.store.GetDocument(ctx, documentID)
}

// UpdateDocument applies a title/content patch. A content change archives the
// current content under the pre-increment version and bumps the version by
// one; edits never touch status, and official is unreachable through this
// path.
func (s *Service) UpdateDocument(ctx context.Context, documentID string, actor Actor, patch DocumentPatch) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	if patch.Status != nil {
		if store.Status(*patch.Status) == store.StatusOfficial {
			return store.Document{}, invalidTransition("status official is only reachable through approval")
		}
		return store.Document{}, validationError("status cannot be changed through document update; use the approval operations")
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionUpdate, documentContext(doc))
	if !decision.Allowed {
		return store.Document{}, forbidden(decision.Reason, nil)
	}

	title := doc.Title
	if patch.Title != nil {
		title = strings.TrimSpace(*patch.Title)
		if title == "" {
			return store.Document{}, validationError("title cannot be empty")
		}
	}

	if patch.Content != nil {
		if len(*patch.Content) > s.cfg.MaxContentBytes {
			return store.Document{}, validationError("content exceeds the maximum allowed size")
		}
		if result := s.guard.Check(*patch.Content, promptguard.ContextDocument); promptguard.ShouldReject(result, promptguard.ContextDocument) {
			s.logger.Warn("document update rejected by security screening",
				zap.String("document", documentID),
				zap.String("risk", string(result.RiskLevel)))
			return store.Document{}, securityRisk()
		}
		if *patch.Content != doc.Content {
			if _, err := s.store.UpdateDocumentContent(ctx, documentID, title, *patch.Content, actor.UserID); err != nil {
				return store.Document{}, err
			}
			return s.store.GetDocument(ctx, documentID)
		}
	}

	if title != doc.Title {
		if err := s.store.UpdateDocumentTitle(ctx, documentID, title); err != nil {
			return store.Document{}, err
		}
	}
	return s.store.GetDocument(ctx, documentID)
}

// ApprovalHistory returns the document's ledger, oldest first, with display
// names joined in when a user directory is configured.
func (s *Service) ApprovalHistory(ctx context.Context, documentID string, actor Actor) ([]store.ApprovalHistoryEntry, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionRead, documentContext(doc))
	if !decision.Allowed {
		return nil, forbidden(decision.Reason, nil)
	}

	entries, err := s.store.ListApprovalHistory(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if s.users != nil {
		for i := range entries {
			name, err := s.users(ctx, entries[i].ActorID)
			if err != nil {
				continue
			}
			entries[i].ActorName = name
		}
	}
	return entries, nil
}

func (s *Service) DocumentVersions(ctx context.Context, documentID string, actor Actor) ([]store.DocumentVersion, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceDocument, rbac.ActionRead, documentContext(doc))
	if !decision.Allowed {
		return nil, forbidden(decision.Reason, nil)
	}
	return s.store.ListDocumentVersions(ctx, documentID)
}

// mapConflict converts the store's conditional-update failure into the
// invalid-transition error callers expect when racing another transition.
func mapConflict(err error) error {
	if errors.Is(err, store.ErrStatusConflict) {
		return invalidTransition("document status changed concurrently; reload and retry")
	}
	return err
}
