package app

import (
	"context"
	"fmt"

	"planwise/api/internal/rbac"
	"planwise/api/internal/store"
)

// AddProjectMember grants or updates a user's project role. Membership
// management is reserved for the project creator and admins by the matrix.
func (s *Service) AddProjectMember(ctx context.Context, projectID string, actor Actor, userID, role string) (store.ProjectMember, error) {
	normalized, ok := rbac.NormalizeProjectRole(role)
	if !ok {
		return store.ProjectMember{}, validationError(fmt.Sprintf("unknown project role %q", role))
	}

	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceMember, rbac.ActionCreate, rbac.Context{})
	if !decision.Allowed {
		return store.ProjectMember{}, forbidden(decision.Reason, nil)
	}

	member := store.ProjectMember{
		ProjectID: projectID,
		UserID:    userID,
		Role:      string(normalized),
	}
	if err := s.store.UpsertProjectMember(ctx, member); err != nil {
		return store.ProjectMember{}, err
	}
	return s.store.GetProjectMember(ctx, projectID, userID)
}

func (s *Service) RemoveProjectMember(ctx context.Context, projectID string, actor Actor, userID string) error {
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceMember, rbac.ActionDelete, rbac.Context{})
	if !decision.Allowed {
		return forbidden(decision.Reason, nil)
	}
	return s.store.DeleteProjectMember(ctx, projectID, userID)
}

func (s *Service) ListProjectMembers(ctx context.Context, projectID string, actor Actor) ([]store.ProjectMember, error) {
	decision := rbac.Check(s.rbacActor(actor), rbac.ResourceMember, rbac.ActionRead, rbac.Context{})
	if !decision.Allowed {
		return nil, forbidden(decision.Reason, nil)
	}
	return s.store.ListProjectMembers(ctx, projectID)
}
