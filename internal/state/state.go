// Package state persists the client's device-local state. Each concern lives
// under its own key and is serialized as JSON independently, so a corrupt or
// outdated value for one key never blocks loading the others.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/repository"
)

const (
	KeySession       = "session"
	KeyIncidents     = "incidents"
	KeyLocation      = "location"
	KeyNotifications = "notifications"
	KeyDraft         = "draft"
)

// Session is the signed-in user and their bearer token.
type Session struct {
	Token     string         `json:"token"`
	User      *entities.User `json:"user,omitempty"`
	DeviceID  string         `json:"deviceId,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Permission is the last known answer to the location permission prompt.
type Permission string

const (
	PermissionUnknown Permission = "unknown"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Location is the persisted location permission and last fix.
type Location struct {
	Permission Permission            `json:"permission"`
	LastKnown  *entities.LocationFix `json:"lastKnown,omitempty"`
}

// NotificationPrefs decides which realtime events become local notices.
// An empty Types list means every type.
type NotificationPrefs struct {
	Enabled         bool                    `json:"enabled"`
	Types           []entities.IncidentType `json:"types,omitempty"`
	WatchedOnly     bool                    `json:"watchedOnly"`
	IncludeComments bool                    `json:"includeComments"`
}

// DefaultNotificationPrefs is used until the user saves their own.
func DefaultNotificationPrefs() NotificationPrefs {
	return NotificationPrefs{Enabled: true, IncludeComments: true}
}

// Store reads and writes the typed keys over a repository.KVStore.
type Store struct {
	kv repository.KVStore
}

func NewStore(kv repository.KVStore) *Store {
	return &Store{kv: kv}
}

// load decodes key into out. It reports false when the key does not exist.
func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

// Session returns the stored session, or nil when signed out.
func (s *Store) Session(ctx context.Context) (*Session, error) {
	var sess Session
	ok, err := s.load(ctx, KeySession, &sess)
	if err != nil || !ok {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	return s.save(ctx, KeySession, sess)
}

func (s *Store) ClearSession(ctx context.Context) error {
	return s.kv.Delete(ctx, KeySession)
}

// LoadIncidents implements repository.SnapshotStore.
func (s *Store) LoadIncidents(ctx context.Context) (*repository.IncidentSnapshot, error) {
	var snap repository.IncidentSnapshot
	ok, err := s.load(ctx, KeyIncidents, &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// SaveIncidents implements repository.SnapshotStore.
func (s *Store) SaveIncidents(ctx context.Context, snap *repository.IncidentSnapshot) error {
	return s.save(ctx, KeyIncidents, snap)
}

// Location returns the stored location state; permission defaults to unknown.
func (s *Store) Location(ctx context.Context) (Location, error) {
	loc := Location{Permission: PermissionUnknown}
	_, err := s.load(ctx, KeyLocation, &loc)
	return loc, err
}

func (s *Store) SaveLocation(ctx context.Context, loc Location) error {
	return s.save(ctx, KeyLocation, loc)
}

// NotificationPrefs returns the stored preferences or the defaults.
func (s *Store) NotificationPrefs(ctx context.Context) (NotificationPrefs, error) {
	prefs := DefaultNotificationPrefs()
	_, err := s.load(ctx, KeyNotifications, &prefs)
	return prefs, err
}

func (s *Store) SaveNotificationPrefs(ctx context.Context, prefs NotificationPrefs) error {
	return s.save(ctx, KeyNotifications, prefs)
}

// Draft returns the in-progress report, or nil when there is none.
func (s *Store) Draft(ctx context.Context) (*entities.Draft, error) {
	var d entities.Draft
	ok, err := s.load(ctx, KeyDraft, &d)
	if err != nil || !ok {
		return nil, err
	}
	return &d, nil
}

func (s *Store) SaveDraft(ctx context.Context, d *entities.Draft) error {
	return s.save(ctx, KeyDraft, d)
}

func (s *Store) ClearDraft(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyDraft)
}

// Tokens holds the bearer token in memory, backed by the session key. The
// REST client reads it on every request and invalidates it on a 401.
type Tokens struct {
	mu     sync.RWMutex
	token  string
	store  *Store
	logger logrus.FieldLogger
}

// LoadTokens primes a Tokens from the stored session.
func LoadTokens(ctx context.Context, store *Store, logger logrus.FieldLogger) (*Tokens, error) {
	t := &Tokens{store: store, logger: logger.WithField("component", "session")}
	sess, err := store.Session(ctx)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		t.token = sess.Token
	}
	return t, nil
}

// Token returns the current bearer token, or "" when signed out.
func (t *Tokens) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

// Set replaces the in-memory token. Persisting it is the session owner's job.
func (t *Tokens) Set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}

// Invalidate forgets the token and deletes the stored session.
func (t *Tokens) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.mu.Unlock()
	if t.store != nil {
		if err := t.store.ClearSession(context.Background()); err != nil {
			t.logger.WithError(err).Warn("failed to clear session after token was rejected")
		}
	}
}
