package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"labtrack/internal/access"
	"labtrack/internal/audit"
	"labtrack/internal/auth"
	"labtrack/internal/store"
	"labtrack/internal/util"
)

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return Session{}, invalidArgument("email and password are required")
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		return Session{}, err
	}

	session, err := s.issueAccess(user)
	if err != nil {
		return Session{}, err
	}
	if s.sessions == nil {
		return session, nil
	}
	token, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.Save(ctx, auth.HashToken(token), user.ID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}
	session.RefreshToken = token
	return session, nil
}

// Refresh redeems a refresh token once and returns a new access and refresh
// token pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.sessions == nil {
		return Session{}, errSessionsUnavailable
	}
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, errUnauthorized
	}
	next, err := auth.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	previous, err := s.sessions.Rotate(ctx, auth.HashToken(refreshToken), auth.HashToken(next), time.Now().Add(s.cfg.RefreshTTL))
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, previous.UserID)
	if errors.Is(err, store.ErrNotFound) {
		_ = s.sessions.Revoke(ctx, auth.HashToken(next))
		return Session{}, errUnauthorized
	}
	if err != nil {
		return Session{}, err
	}
	session, err := s.issueAccess(user)
	if err != nil {
		return Session{}, err
	}
	session.RefreshToken = next
	return session, nil
}

func (s *Service) issueAccess(user store.User) (Session, error) {
	token, claims, err := s.signer.Issue(user.ID, user.Role)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// SessionFromToken verifies an access token and reloads the user so role
// changes and removals apply to the next request.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0).UTC(),
	}, nil
}

// Logout revokes the refresh token. Access tokens expire on their own.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if s.sessions == nil || strings.TrimSpace(refreshToken) == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

// Bootstrap creates the first owner account from configuration. It is a no-op
// when no bootstrap email is configured or the account already exists.
func (s *Service) Bootstrap(ctx context.Context) error {
	email := strings.TrimSpace(s.cfg.BootstrapEmail)
	if email == "" {
		return nil
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	user, err := s.insertUser(ctx, email, email, s.cfg.BootstrapPassword, access.RoleOwner)
	if err != nil {
		return err
	}
	s.recorder.RecordCreate(ctx, user.ID, audit.Ref{Type: "user", ID: user.ID, Title: email})
	s.logger.Info().Str("user_id", user.ID).Msg("bootstrap owner created")
	return nil
}

func (s *Service) insertUser(ctx context.Context, email, displayName, password string, role access.Role) (store.User, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return store.User{}, err
	}
	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  displayName,
		Email:        email,
		PasswordHash: hash,
		Role:         string(role),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}
