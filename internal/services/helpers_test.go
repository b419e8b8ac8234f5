package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"hazardwatch/internal/api"
	"hazardwatch/internal/apperr"
	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/metrics"
	"hazardwatch/internal/repository/memory"
	"hazardwatch/internal/state"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend implements Backend with per-endpoint funcs. Endpoints without
// a func answer 404.
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int

	me            func() (*entities.User, error)
	requestUpload func(contentType string) (*entities.UploadTicket, error)
	upload        func(t *entities.UploadTicket, data []byte) (*entities.PhotoRef, error)
	create        func(req entities.NewIncidentRequest) (*entities.Incident, error)
	nearby        func(q api.NearbyQuery) (*api.NearbyPage, error)
	detail        func(id string) (*entities.IncidentDetail, error)
	vote          func(id string, v entities.VoteValue) (*api.VoteResult, error)
	comment       func(id, clientID, text string) (*api.CommentResult, error)
	status        func(id string, st entities.IncidentStatus) (*entities.Incident, error)
	device        func(d entities.Device) error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[string]int)}
}

func (f *fakeBackend) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
}

func (f *fakeBackend) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func notFound(op string) error {
	return apperr.FromStatus(op, 404, "")
}

func (f *fakeBackend) Me(ctx context.Context) (*entities.User, error) {
	f.record("me")
	if f.me == nil {
		return nil, notFound("me")
	}
	return f.me()
}

func (f *fakeBackend) RequestUpload(ctx context.Context, contentType string) (*entities.UploadTicket, error) {
	f.record("requestUpload")
	if f.requestUpload == nil {
		return nil, notFound("requestUpload")
	}
	return f.requestUpload(contentType)
}

func (f *fakeBackend) UploadPhoto(ctx context.Context, t *entities.UploadTicket, data []byte) (*entities.PhotoRef, error) {
	f.record("upload")
	if f.upload == nil {
		return nil, notFound("upload")
	}
	return f.upload(t, data)
}

func (f *fakeBackend) CreateIncident(ctx context.Context, req entities.NewIncidentRequest) (*entities.Incident, error) {
	f.record("create")
	if f.create == nil {
		return nil, notFound("create")
	}
	return f.create(req)
}

func (f *fakeBackend) NearbyIncidents(ctx context.Context, q api.NearbyQuery) (*api.NearbyPage, error) {
	f.record("nearby")
	if f.nearby == nil {
		return &api.NearbyPage{}, nil
	}
	return f.nearby(q)
}

func (f *fakeBackend) GetIncident(ctx context.Context, id string) (*entities.IncidentDetail, error) {
	f.record("detail")
	if f.detail == nil {
		return nil, notFound("detail")
	}
	return f.detail(id)
}

func (f *fakeBackend) Vote(ctx context.Context, id string, v entities.VoteValue) (*api.VoteResult, error) {
	f.record("vote")
	if f.vote == nil {
		return nil, notFound("vote")
	}
	return f.vote(id, v)
}

func (f *fakeBackend) Comment(ctx context.Context, id, clientID, text string) (*api.CommentResult, error) {
	f.record("comment")
	if f.comment == nil {
		return nil, notFound("comment")
	}
	return f.comment(id, clientID, text)
}

func (f *fakeBackend) UpdateStatus(ctx context.Context, id string, st entities.IncidentStatus) (*entities.Incident, error) {
	f.record("status")
	if f.status == nil {
		return nil, notFound("status")
	}
	return f.status(id, st)
}

func (f *fakeBackend) RegisterDevice(ctx context.Context, d entities.Device) error {
	f.record("device")
	if f.device == nil {
		return notFound("device")
	}
	return f.device(d)
}

// fakeSubscriber records subscription traffic.
type fakeSubscriber struct {
	mu    sync.Mutex
	subs  map[entities.Topic]int
	unsub map[entities.Topic]int
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subs: make(map[entities.Topic]int), unsub: make(map[entities.Topic]int)}
}

func (f *fakeSubscriber) Subscribe(t entities.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[t]++
	return nil
}

func (f *fakeSubscriber) Unsubscribe(t entities.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsub[t]++
	return nil
}

func (f *fakeSubscriber) subscribed(t entities.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[t]
}

func (f *fakeSubscriber) unsubscribed(t entities.Topic) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsub[t]
}

type testDeps struct {
	backend *fakeBackend
	sub     *fakeSubscriber
	cache   *memory.IncidentCache
	store   *state.Store
	queries *QueryRegistry
	locks   *memory.LockManager
	metrics *metrics.Metrics
	logger  logrus.FieldLogger
	cfg     *config.Config
}

func setupDeps(t *testing.T) *testDeps {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := state.NewStore(memory.NewKVStore())
	cache, err := memory.OpenIncidentCache(context.Background(), memory.CacheOptions{
		Store:          store,
		IndexPrecision: 6,
		Logger:         logger,
	})
	require.NoError(t, err)

	backend := newFakeBackend()
	queries := NewQueryRegistry(backend, cache, 0, logger)
	locks := memory.NewLockManager(time.Minute)
	t.Cleanup(func() {
		queries.Close()
		locks.Stop()
	})

	return &testDeps{
		backend: backend,
		sub:     newFakeSubscriber(),
		cache:   cache,
		store:   store,
		queries: queries,
		locks:   locks,
		metrics: metrics.New(),
		logger:  logger,
		cfg:     config.NewDefaultConfig(),
	}
}

func (d *testDeps) feed() *FeedService {
	return NewFeedService(d.backend, d.sub, d.cache, d.queries, d.cfg.Feed, d.logger, d.metrics)
}

func (d *testDeps) mutations() *MutationService {
	return NewMutationService(d.backend, d.cache, d.queries, d.locks, d.logger, d.metrics)
}

func incident(id string, lat, lon float64, score int) *entities.Incident {
	return &entities.Incident{
		ID:        id,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
		Lat:       lat,
		Lon:       lon,
		Type:      entities.IncidentTypePothole,
		Status:    entities.IncidentStatusOpen,
		Text:      "hole in the road",
		Score:     score,
	}
}
