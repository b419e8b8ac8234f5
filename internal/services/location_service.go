package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/state"
)

var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrLocationUnavailable = errors.New("location unavailable")
)

// Locator resolves the device's current position. Implementations return
// ErrPermissionDenied when the user has refused access.
type Locator interface {
	CurrentLocation(ctx context.Context) (entities.Coordinate, error)
}

// StaticLocator always reports the same coordinate, e.g. one passed on the
// command line.
type StaticLocator struct {
	Coordinate *entities.Coordinate
}

func (l StaticLocator) CurrentLocation(ctx context.Context) (entities.Coordinate, error) {
	if l.Coordinate == nil {
		return entities.Coordinate{}, ErrLocationUnavailable
	}
	return *l.Coordinate, nil
}

// LocationService resolves the current location and remembers the last
// good fix and the permission answer across sessions.
type LocationService struct {
	locator Locator
	store   *state.Store
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewLocationService(locator Locator, store *state.Store, logger logrus.FieldLogger) *LocationService {
	return &LocationService{
		locator: locator,
		store:   store,
		logger:  logger.WithField("component", "location"),
		now:     time.Now,
	}
}

// Current asks the locator for a fresh position and records it as the last
// known one. A denied permission is recorded and surfaced as a
// permission-kind error, which callers do not retry.
func (s *LocationService) Current(ctx context.Context) (entities.Coordinate, error) {
	const op = "locate"
	coord, err := s.locator.CurrentLocation(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		s.save(ctx, func(l *state.Location) { l.Permission = state.PermissionDenied })
		return entities.Coordinate{}, apperr.Wrap(apperr.Permission, op, err)
	}
	if err != nil {
		return entities.Coordinate{}, apperr.Wrap(apperr.Internal, op, err)
	}
	if !coord.Valid() {
		return entities.Coordinate{}, apperr.Validationf(op, "locator returned %v", coord)
	}

	fix := &entities.LocationFix{Coordinate: coord, TakenAt: s.now()}
	s.save(ctx, func(l *state.Location) {
		l.Permission = state.PermissionGranted
		l.LastKnown = fix
	})
	return coord, nil
}

// LastKnown returns the last recorded fix, or nil.
func (s *LocationService) LastKnown(ctx context.Context) (*entities.LocationFix, error) {
	loc, err := s.store.Location(ctx)
	if err != nil {
		return nil, err
	}
	return loc.LastKnown, nil
}

// Permission returns the last recorded permission answer.
func (s *LocationService) Permission(ctx context.Context) (state.Permission, error) {
	loc, err := s.store.Location(ctx)
	if err != nil {
		return state.PermissionUnknown, err
	}
	return loc.Permission, nil
}

// Resolve returns the current location, falling back to the last known fix
// when allowFallback is set and the locator fails for any reason other than
// a denied permission.
func (s *LocationService) Resolve(ctx context.Context, allowFallback bool) (entities.Coordinate, error) {
	coord, err := s.Current(ctx)
	if err == nil || !allowFallback || apperr.Is(err, apperr.Permission) {
		return coord, err
	}
	fix, lerr := s.LastKnown(ctx)
	if lerr != nil || fix == nil {
		return entities.Coordinate{}, err
	}
	s.logger.WithField("taken_at", fix.TakenAt).Info("using last known location")
	return fix.Coordinate, nil
}

func (s *LocationService) save(ctx context.Context, update func(*state.Location)) {
	loc, err := s.store.Location(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("failed to read stored location")
	}
	update(&loc)
	if err := s.store.SaveLocation(ctx, loc); err != nil {
		s.logger.WithError(err).Warn("failed to store location")
	}
}
