package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/state"
	"hazardwatch/pkg/utils"
)

// SessionService signs the user in and out and registers the device.
type SessionService struct {
	api    Backend
	store  *state.Store
	tokens *state.Tokens
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewSessionService(backend Backend, store *state.Store, tokens *state.Tokens, logger logrus.FieldLogger) *SessionService {
	return &SessionService{
		api:    backend,
		store:  store,
		tokens: tokens,
		logger: logger.WithField("component", "session"),
		now:    time.Now,
	}
}

// Login verifies token against GET /me and stores the session.
func (s *SessionService) Login(ctx context.Context, token string) (*entities.User, error) {
	if token == "" {
		return nil, apperr.Validationf("login", "A token is required to sign in.")
	}
	s.tokens.Set(token)
	user, err := s.api.Me(ctx)
	if err != nil {
		s.tokens.Set("")
		return nil, err
	}

	sess, err := s.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &state.Session{}
	}
	sess.Token = token
	sess.User = user
	sess.UpdatedAt = s.now()
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.WithField("user_id", user.ID).Info("signed in")
	return user, nil
}

// Me returns the signed-in user from the server.
func (s *SessionService) Me(ctx context.Context) (*entities.User, error) {
	return s.api.Me(ctx)
}

// Current returns the stored session, or nil when signed out.
func (s *SessionService) Current(ctx context.Context) (*state.Session, error) {
	return s.store.Session(ctx)
}

// RegisterDevice registers this install for push delivery. The device id
// is generated once and kept in the session.
func (s *SessionService) RegisterDevice(ctx context.Context, platform, pushToken string) (*entities.Device, error) {
	sess, err := s.store.Session(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.New(apperr.Permission, "register device", "Sign in before enabling notifications.")
	}
	if sess.DeviceID == "" {
		sess.DeviceID = utils.GenerateID()
	}

	d := entities.Device{ID: sess.DeviceID, Platform: platform, PushToken: pushToken}
	if err := s.api.RegisterDevice(ctx, d); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now()
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	return &d, nil
}

// Logout forgets the token and the stored session.
func (s *SessionService) Logout(ctx context.Context) error {
	s.tokens.Set("")
	return s.store.ClearSession(ctx)
}
