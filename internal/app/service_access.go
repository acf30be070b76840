package app

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"labtrack/internal/access"
	"labtrack/internal/audit"
	"labtrack/internal/auth"
	"labtrack/internal/store"
)

const entityTypeMembership = "membership"

func membershipRef(projectID, userID string) audit.Ref {
	return audit.Ref{
		Type:      entityTypeMembership,
		ID:        projectID + ":" + userID,
		ProjectID: store.StringPtr(projectID),
		Title:     userID,
	}
}

// loadProjectForEdit returns the active project after checking the session
// may edit it.
func (s *Service) loadProjectForEdit(ctx context.Context, session Session, projectID string) (store.Entity, error) {
	project, err := s.store.GetEntity(ctx, store.TypeProject, projectID, store.ActiveOnly)
	if err != nil {
		return store.Entity{}, err
	}
	if _, err := s.authorize(ctx, session, project, true); err != nil {
		return store.Entity{}, err
	}
	return project, nil
}

// UpsertMembership adds userID to the project or replaces their role. The
// boolean reports whether a new membership was created.
func (s *Service) UpsertMembership(ctx context.Context, session Session, projectID, userID, role string) (store.Membership, bool, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := access.ParseMemberRole(role); !ok {
		return store.Membership{}, false, invalidArgument("role must be collaborator or viewer")
	}
	if _, err := s.loadProjectForEdit(ctx, session, projectID); err != nil {
		return store.Membership{}, false, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Membership{}, false, invalidArgument("user does not exist")
		}
		return store.Membership{}, false, err
	}

	previousRole := ""
	if existing, err := s.store.GetMembership(ctx, projectID, userID); err == nil {
		previousRole = existing.Role
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.Membership{}, false, err
	}

	membership, created, err := s.store.UpsertMembership(ctx, store.Membership{ProjectID: projectID, UserID: userID, Role: role})
	if err != nil {
		return store.Membership{}, false, err
	}
	ref := membershipRef(projectID, userID)
	if created {
		s.recorder.RecordCreate(ctx, session.UserID, ref)
	} else {
		s.recorder.RecordUpdate(ctx, session.UserID, ref,
			map[string]any{"role": previousRole}, map[string]any{"role": role}, []string{"role"})
	}
	return membership, created, nil
}

func (s *Service) RemoveMembership(ctx context.Context, session Session, projectID, userID string) error {
	if _, err := s.loadProjectForEdit(ctx, session, projectID); err != nil {
		return err
	}
	if err := s.store.DeleteMembership(ctx, projectID, userID); err != nil {
		return err
	}
	s.recorder.RecordRemoval(ctx, session.UserID, membershipRef(projectID, userID))
	return nil
}

type CreateUserInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// CreateUser registers an account. Only owners may do it. The role defaults
// to student.
func (s *Service) CreateUser(ctx context.Context, session Session, input CreateUserInput) (store.User, error) {
	if access.NormalizeRole(session.Role) != access.RoleOwner {
		s.metrics.AccessDenied("admin")
		return store.User{}, errForbidden
	}
	email := strings.TrimSpace(input.Email)
	displayName := strings.TrimSpace(input.DisplayName)
	if email == "" || input.Password == "" || displayName == "" {
		return store.User{}, invalidArgument("email, password and display name are required")
	}
	if !strings.Contains(email, "@") {
		return store.User{}, invalidArgument("email is not valid")
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if role == "" {
		role = string(access.RoleStudent)
	}
	if string(access.NormalizeRole(role)) != role {
		return store.User{}, invalidArgument("unknown role")
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, domainError(http.StatusConflict, "CONFLICT", "email already registered", nil)
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, err
	}

	user, err := s.insertUser(ctx, email, displayName, input.Password, access.Role(role))
	if errors.Is(err, auth.ErrWeakPassword) {
		return store.User{}, invalidArgument(err.Error())
	}
	if err != nil {
		return store.User{}, err
	}
	s.recorder.RecordCreate(ctx, session.UserID, audit.Ref{Type: "user", ID: user.ID, Title: displayName})
	s.logger.Info().Str("actor_id", session.UserID).Str("user_id", user.ID).Str("role", role).Msg("user created")
	return user, nil
}

// RemoveUser is the administrative hard removal of an account and its
// memberships. Only owners may do it, and never to themselves.
func (s *Service) RemoveUser(ctx context.Context, session Session, userID string) error {
	if access.NormalizeRole(session.Role) != access.RoleOwner {
		s.metrics.AccessDenied("admin")
		return errForbidden
	}
	if userID == session.UserID {
		return invalidArgument("cannot remove your own account")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteUser(ctx, userID); err != nil {
		return err
	}
	s.recorder.RecordRemoval(ctx, session.UserID, audit.Ref{Type: "user", ID: user.ID, Title: user.DisplayName})
	s.logger.Warn().Str("actor_id", session.UserID).Str("user_id", userID).Msg("user removed")
	return nil
}
