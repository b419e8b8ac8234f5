package repository

import (
	"context"
	"errors"
	"time"

	"hazardwatch/internal/domain/entities"
)

var ErrKeyNotFound = errors.New("key not found")

// KVStore is device-local key-value storage. Values are opaque bytes; the
// state package gives each key its own JSON shape.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// LockManager hands out short-lived named locks. The mutation flow uses it
// to keep at most one vote or status change in flight per incident.
type LockManager interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

// MutationLockKey names the lock a mutation of kind op holds on one
// incident, e.g. "vote:inc-1".
func MutationLockKey(op, incidentID string) string {
	return op + ":" + incidentID
}

// IncidentSnapshot is the persisted subset of the incident cache: the last
// server-confirmed records, the user's confirmed votes and the last viewport.
type IncidentSnapshot struct {
	Incidents []*entities.Incident          `json:"incidents"`
	MyVotes   map[string]entities.VoteValue `json:"myVotes,omitempty"`
	Region    *entities.Region              `json:"region,omitempty"`
	SavedAt   time.Time                     `json:"savedAt"`
}

// SnapshotStore loads and saves the incident snapshot. LoadIncidents returns
// (nil, nil) when nothing has been saved yet.
type SnapshotStore interface {
	LoadIncidents(ctx context.Context) (*IncidentSnapshot, error)
	SaveIncidents(ctx context.Context, snap *IncidentSnapshot) error
}
