package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/geo"
	"hazardwatch/internal/repository/memory"
)

// QueryKey identifies a cached server query.
type QueryKey string

// NearbyKey derives the key of a nearby query from the geohash cell of its
// center and the radius, so small pans inside one cell share a key.
func NearbyKey(lat, lon, radiusKm float64) QueryKey {
	return QueryKey("nearby:" + geo.Encode(lat, lon, geo.DefaultPrecision) + ":" + strconv.FormatFloat(radiusKm, 'f', -1, 64))
}

// DetailKey is the key of the detail query for one incident.
func DetailKey(id string) QueryKey {
	return QueryKey("incident:" + id)
}

// QueryRegistry tracks the freshness of server queries and owns the
// incident detail query. Concurrent detail fetches for one incident share a
// single request.
type QueryRegistry struct {
	api        Backend
	cache      *memory.IncidentCache
	staleAfter time.Duration
	logger     logrus.FieldLogger
	now        func() time.Time

	mu        sync.Mutex
	fetchedAt map[QueryKey]time.Time
	stale     map[QueryKey]bool

	group  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueryRegistry creates a registry. Queries older than staleAfter count
// as stale; zero means only explicit invalidation makes them stale.
func NewQueryRegistry(backend Backend, cache *memory.IncidentCache, staleAfter time.Duration, logger logrus.FieldLogger) *QueryRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &QueryRegistry{
		api:        backend,
		cache:      cache,
		staleAfter: staleAfter,
		logger:     logger.WithField("component", "queries"),
		now:        time.Now,
		fetchedAt:  make(map[QueryKey]time.Time),
		stale:      make(map[QueryKey]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// MarkFresh records a successful fetch of key.
func (r *QueryRegistry) MarkFresh(key QueryKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchedAt[key] = r.now()
	delete(r.stale, key)
}

// Invalidate marks key stale; the next read refetches it.
func (r *QueryRegistry) Invalidate(key QueryKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stale[key] = true
}

// IsStale reports whether key was never fetched, was invalidated or has
// aged past the stale time.
func (r *QueryRegistry) IsStale(key QueryKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.fetchedAt[key]
	if !ok || r.stale[key] {
		return true
	}
	return r.staleAfter > 0 && r.now().Sub(at) > r.staleAfter
}

// Detail returns the incident with its comments and the user's vote. A
// fresh cached copy is served without a request.
func (r *QueryRegistry) Detail(ctx context.Context, id string) (*entities.IncidentDetail, error) {
	key := DetailKey(id)
	if !r.IsStale(key) {
		if d, ok := r.cachedDetail(id); ok {
			return d, nil
		}
	}
	return r.fetchDetail(ctx, id)
}

func (r *QueryRegistry) fetchDetail(ctx context.Context, id string) (*entities.IncidentDetail, error) {
	key := DetailKey(id)
	_, err, shared := r.group.Do(string(key), func() (any, error) {
		d, err := r.api.GetIncident(ctx, id)
		if err != nil {
			return nil, err
		}
		if d.Incident == nil || d.Incident.ID != id {
			return nil, apperr.New(apperr.Internal, "GET /incidents/{id}", "response is for a different incident")
		}
		r.cache.Upsert(d.Incident, memory.SourceFetch)
		r.cache.SetComments(id, d.Comments)
		r.cache.SetMyVote(id, d.MyVote)
		r.MarkFresh(key)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		r.logger.WithField("incident_id", id).Debug("joined in-flight detail fetch")
	}

	d, ok := r.cachedDetail(id)
	if !ok {
		return nil, apperr.New(apperr.NotFound, "detail", "incident is not cached")
	}
	return d, nil
}

func (r *QueryRegistry) cachedDetail(id string) (*entities.IncidentDetail, bool) {
	v, ok := r.cache.View(id)
	if !ok {
		return nil, false
	}
	return &entities.IncidentDetail{
		Incident: v.Incident,
		Comments: r.cache.Comments(id),
		MyVote:   v.MyVote,
	}, true
}

// Refetch invalidates the detail query of id and reloads it in the
// background. Failures are logged; the query stays stale.
func (r *QueryRegistry) Refetch(id string) {
	r.Invalidate(DetailKey(id))
	if r.ctx.Err() != nil {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.fetchDetail(r.ctx, id); err != nil {
			r.logger.WithError(err).WithField("incident_id", id).Debug("background refetch failed")
		}
	}()
}

// Close cancels background refetches and waits for them to finish.
func (r *QueryRegistry) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until in-flight background refetches have finished.
func (r *QueryRegistry) Wait() {
	r.wg.Wait()
}
