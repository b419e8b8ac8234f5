package services

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/api"
	"hazardwatch/internal/apperr"
	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/geo"
	"hazardwatch/internal/metrics"
	"hazardwatch/internal/realtime"
	"hazardwatch/internal/repository/memory"
)

// FeedService keeps the incident cache in step with the map viewport: it
// fetches nearby incidents, pages through them and keeps the area
// subscriptions of the realtime channel matching the viewport.
//
// Every fetch takes a generation number. A response whose generation is no
// longer current is dropped, so a slow answer for an old viewport never
// overwrites a newer one.
type FeedService struct {
	api     Backend
	rt      Subscriber
	cache   *memory.IncidentCache
	queries *QueryRegistry
	cfg     config.FeedConfig
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	mu          sync.Mutex
	region      *entities.Region
	fetchCenter *entities.Coordinate
	areaTopics  map[entities.Topic]bool
	cursor      string
	generation  uint64
}

func NewFeedService(
	backend Backend,
	rt Subscriber,
	cache *memory.IncidentCache,
	queries *QueryRegistry,
	cfg config.FeedConfig,
	logger logrus.FieldLogger,
	m *metrics.Metrics,
) *FeedService {
	s := &FeedService{
		api:        backend,
		rt:         rt,
		cache:      cache,
		queries:    queries,
		cfg:        cfg,
		logger:     logger.WithField("component", "feed"),
		metrics:    m,
		areaTopics: make(map[entities.Topic]bool),
	}
	if m != nil {
		m.CachedIncidents.Set(float64(cache.Len()))
		cache.OnChange(func(memory.Change) {
			m.CachedIncidents.Set(float64(cache.Len()))
		})
	}
	return s
}

// Register routes every incident event type from src to HandleEvent.
func (s *FeedService) Register(src EventSource) {
	for _, t := range []realtime.EventType{
		realtime.EventIncidentCreated,
		realtime.EventIncidentUpdated,
		realtime.EventIncidentVoted,
		realtime.EventIncidentCommented,
	} {
		src.On(t, s.HandleEvent)
	}
}

// Restore picks up the viewport saved by a previous session, if any.
func (s *FeedService) Restore(ctx context.Context) (bool, error) {
	r, ok := s.cache.Region()
	if !ok {
		return false, nil
	}
	return true, s.SetViewport(ctx, r)
}

// SetViewport records the new viewport, moves the area subscriptions to the
// geohash prefixes covering the feed radius around its center and refetches
// once the center has moved more than the refetch threshold.
func (s *FeedService) SetViewport(ctx context.Context, region entities.Region) error {
	if !region.Center.Valid() {
		return apperr.Validationf("set viewport", "viewport center %v is out of range", region.Center)
	}
	s.cache.SetRegion(region)

	prefixes := geo.PrefixesForRadius(region.Center.Lat, region.Center.Lon, s.cfg.RadiusKm)
	wanted := make(map[entities.Topic]bool, len(prefixes))
	for _, p := range prefixes {
		wanted[entities.AreaTopic(p)] = true
	}

	s.mu.Lock()
	r := region
	s.region = &r
	var added, removed []entities.Topic
	for t := range wanted {
		if !s.areaTopics[t] {
			added = append(added, t)
		}
	}
	for t := range s.areaTopics {
		if !wanted[t] {
			removed = append(removed, t)
		}
	}
	s.areaTopics = wanted
	refetch := s.fetchCenter == nil ||
		geo.HaversineDistance(s.fetchCenter.Lat, s.fetchCenter.Lon, region.Center.Lat, region.Center.Lon) > s.cfg.RefetchThresholdKm
	s.mu.Unlock()

	for _, t := range removed {
		if err := s.rt.Unsubscribe(t); err != nil {
			return err
		}
	}
	for _, t := range added {
		if err := s.rt.Subscribe(t); err != nil {
			return err
		}
	}
	s.logger.WithFields(logrus.Fields{
		"prefixes":     len(prefixes),
		"subscribed":   len(added),
		"unsubscribed": len(removed),
	}).Debug("viewport changed")

	if !refetch {
		return nil
	}
	return s.Refresh(ctx)
}

// AreaTopics returns the area topics the feed currently wants.
func (s *FeedService) AreaTopics() []entities.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.Topic, 0, len(s.areaTopics))
	for t := range s.areaTopics {
		out = append(out, t)
	}
	return out
}

// Refresh fetches the first page around the viewport and replaces the
// cached feed with it.
func (s *FeedService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.region == nil {
		s.mu.Unlock()
		return apperr.Validationf("refresh", "no viewport set")
	}
	center := s.region.Center
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	page, err := s.api.NearbyIncidents(ctx, api.NearbyQuery{
		Lat:      center.Lat,
		Lon:      center.Lon,
		RadiusKm: s.cfg.RadiusKm,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		s.dropStale(gen)
		return nil
	}
	if err != nil {
		return err
	}
	c := center
	s.fetchCenter = &c
	s.cursor = page.NextCursor
	s.cache.Replace(page.Items)
	s.queries.MarkFresh(NearbyKey(center.Lat, center.Lon, s.cfg.RadiusKm))
	s.logger.WithFields(logrus.Fields{
		"items":    len(page.Items),
		"has_more": page.NextCursor != "",
	}).Info("feed refreshed")
	return nil
}

// LoadMore fetches the next page and merges it into the cache. It reports
// whether further pages remain.
func (s *FeedService) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.fetchCenter == nil || s.cursor == "" {
		s.mu.Unlock()
		return false, nil
	}
	center := *s.fetchCenter
	cursor := s.cursor
	gen := s.generation
	s.mu.Unlock()

	page, err := s.api.NearbyIncidents(ctx, api.NearbyQuery{
		Lat:      center.Lat,
		Lon:      center.Lon,
		RadiusKm: s.cfg.RadiusKm,
		After:    cursor,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || cursor != s.cursor {
		s.dropStale(gen)
		return s.cursor != "", nil
	}
	if err != nil {
		return true, err
	}
	s.cursor = page.NextCursor
	s.cache.Append(page.Items)
	return s.cursor != "", nil
}

func (s *FeedService) dropStale(gen uint64) {
	s.logger.WithField("generation", gen).Debug("ignoring stale nearby response")
	if s.metrics != nil {
		s.metrics.StaleResponses.Inc()
	}
}

// HandleEvent applies a realtime event through the same cache primitives a
// fetch uses.
func (s *FeedService) HandleEvent(ev *realtime.Event) error {
	id := ev.IncidentID()
	switch ev.Type {
	case realtime.EventIncidentCreated:
		s.cache.Upsert(ev.Incident, memory.SourceRealtime)
	case realtime.EventIncidentUpdated:
		// Partial updates layer on the cached record; only a full payload
		// may introduce an incident the cache has not seen.
		if _, cached := s.cache.Get(id); cached && ev.Patch != nil {
			s.cache.Merge(ev.Patch, memory.SourceRealtime)
		} else if ev.Incident != nil {
			s.cache.Upsert(ev.Incident, memory.SourceRealtime)
		} else {
			s.logger.WithField("incident_id", id).Debug("ignoring partial update for an uncached incident")
		}
	case realtime.EventIncidentVoted:
		s.cache.Merge(ev.Patch, memory.SourceRealtime)
	case realtime.EventIncidentCommented:
		s.cache.Merge(ev.Patch, memory.SourceRealtime)
		if ev.Comment != nil {
			s.cache.AddComment(id, *ev.Comment)
		} else {
			s.queries.Invalidate(DetailKey(id))
		}
	}
	return nil
}

// WatchIncident subscribes to one incident and keeps it cached while the
// feed moves elsewhere.
func (s *FeedService) WatchIncident(id string) error {
	s.cache.Pin(id)
	return s.rt.Subscribe(entities.IncidentTopic(id))
}

// UnwatchIncident undoes WatchIncident.
func (s *FeedService) UnwatchIncident(id string) error {
	s.cache.Unpin(id)
	return s.rt.Unsubscribe(entities.IncidentTopic(id))
}

// IsWatched reports whether id is individually subscribed.
func (s *FeedService) IsWatched(id string) bool {
	for _, p := range s.cache.PinnedIDs() {
		if p == id {
			return true
		}
	}
	return false
}

// Visible returns the cached incidents inside the current viewport radius,
// nearest first.
func (s *FeedService) Visible() []*entities.Incident {
	s.mu.Lock()
	region := s.region
	s.mu.Unlock()
	if region == nil {
		return s.cache.List()
	}
	return s.cache.Nearby(region.Center.Lat, region.Center.Lon, s.cfg.RadiusKm)
}
