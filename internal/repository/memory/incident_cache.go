package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/geo"
	"hazardwatch/internal/repository"
)

var (
	ErrIncidentNotFound = errors.New("incident not in cache")
	ErrUnknownMutation  = errors.New("unknown or already settled mutation")
	ErrServerConfirmed  = errors.New("server-confirmed incidents cannot be removed")
	ErrEmptyDelta       = errors.New("delta changes nothing")
)

// Source says where an incident write came from. Every source except
// SourceLocal is server data and subject to the UpdatedAt guard.
type Source int

const (
	SourceFetch Source = iota
	SourceRealtime
	SourceMutation
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceFetch:
		return "fetch"
	case SourceRealtime:
		return "realtime"
	case SourceMutation:
		return "mutation"
	case SourceLocal:
		return "local"
	}
	return "unknown"
}

// MutationToken identifies one optimistic delta until it is confirmed or
// rolled back.
type MutationToken uint64

// Delta is the local effect of a user action, applied before the server has
// answered. Score and CommentsCount are added; Status and Vote replace.
type Delta struct {
	Score         int
	CommentsCount int
	Status        *entities.IncidentStatus
	Vote          *entities.VoteValue
	Comment       *entities.Comment
}

func (d Delta) empty() bool {
	return d.Score == 0 && d.CommentsCount == 0 && d.Status == nil && d.Vote == nil && d.Comment == nil
}

// Confirmation is the server's answer to an optimistic mutation. Either
// field may be nil.
type Confirmation struct {
	Incident *entities.Incident
	Comment  *entities.Comment
}

// ChangeKind describes what happened to a cache entry.
type ChangeKind string

const (
	ChangeUpserted ChangeKind = "upserted"
	ChangeRemoved  ChangeKind = "removed"
	ChangePending  ChangeKind = "pending"
	ChangeSettled  ChangeKind = "settled"
)

// Change is passed to listeners after every cache write.
type Change struct {
	ID   string
	Kind ChangeKind
}

// View is the visible state of one cached incident together with its
// client-side metadata.
type View struct {
	Incident *entities.Incident
	MyVote   entities.VoteValue
	Pending  int
	Pinned   bool
}

type pendingDelta struct {
	token       MutationToken
	baseVersion uint64
	delta       Delta
}

// cacheEntry keeps the last server-confirmed record (base) apart from the
// optimistic deltas layered on it. version increases every time a strictly
// newer server record replaces base; a delta only counts while the version
// it was applied against is still current.
type cacheEntry struct {
	base     *entities.Incident
	version  uint64
	pending  []pendingDelta
	myVote   entities.VoteValue
	comments []entities.Comment
	local    bool
}

func (e *cacheEntry) visible() *entities.Incident {
	out := e.base.Clone()
	for _, p := range e.pending {
		if p.baseVersion != e.version {
			continue
		}
		out.Score += p.delta.Score
		out.CommentsCount += p.delta.CommentsCount
		if out.CommentsCount < 0 {
			out.CommentsCount = 0
		}
		if p.delta.Status != nil {
			out.Status = *p.delta.Status
		}
	}
	return out
}

// visibleVote is the newest pending vote, or the confirmed one. Votes are
// per-user state the server never echoes in realtime events, so they stay
// visible across base versions until settled.
func (e *cacheEntry) visibleVote() entities.VoteValue {
	for i := len(e.pending) - 1; i >= 0; i-- {
		if v := e.pending[i].delta.Vote; v != nil {
			return *v
		}
	}
	return e.myVote
}

func (e *cacheEntry) findPending(token MutationToken) int {
	for i, p := range e.pending {
		if p.token == token {
			return i
		}
	}
	return -1
}

// CacheOptions configures an IncidentCache.
type CacheOptions struct {
	Store          repository.SnapshotStore
	IndexPrecision int
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

// IncidentCache is the single mutable copy of incident state on the client.
// Fetches, realtime events and optimistic mutations all go through its
// primitives; nothing else edits incident records.
//
// Every write captures a snapshot of the server-confirmed state and hands it
// to the SnapshotStore after the lock is released. Snapshots carry a
// sequence number so a slow save can never overwrite a newer one.
type IncidentCache struct {
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	pinned    map[string]bool
	index     *geo.SpatialIndex
	region    *entities.Region
	nextToken MutationToken
	owner     map[MutationToken]string
	listeners []func(Change)

	store     repository.SnapshotStore
	persistMu sync.Mutex
	seq       uint64
	savedSeq  uint64

	logger logrus.FieldLogger
	now    func() time.Time
}

// OpenIncidentCache builds the cache and hydrates it from opts.Store before
// returning, so no write can race the initial load. A nil Store disables
// persistence.
func OpenIncidentCache(ctx context.Context, opts CacheOptions) (*IncidentCache, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &IncidentCache{
		entries: make(map[string]*cacheEntry),
		pinned:  make(map[string]bool),
		index:   geo.NewSpatialIndex(opts.IndexPrecision),
		owner:   make(map[MutationToken]string),
		store:   opts.Store,
		logger:  opts.Logger.WithField("component", "cache"),
		now:     opts.Now,
	}

	if c.store == nil {
		return c, nil
	}
	snap, err := c.store.LoadIncidents(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		for _, inc := range snap.Incidents {
			if inc == nil || inc.ID == "" {
				continue
			}
			e := &cacheEntry{base: inc.Clone(), version: 1}
			if v, ok := snap.MyVotes[inc.ID]; ok {
				e.myVote = v
			}
			c.entries[inc.ID] = e
			c.index.Put(inc.ID, inc.Lat, inc.Lon)
		}
		if snap.Region != nil {
			r := *snap.Region
			c.region = &r
		}
		c.logger.WithField("incidents", len(c.entries)).Info("hydrated incident cache")
	}
	return c, nil
}

// NewIncidentCache returns an empty cache without persistence.
func NewIncidentCache(logger logrus.FieldLogger) *IncidentCache {
	c, _ := OpenIncidentCache(context.Background(), CacheOptions{Logger: logger})
	return c
}

// OnChange registers fn to be called after every write. Listeners run on the
// writing goroutine, outside the cache lock.
func (c *IncidentCache) OnChange(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// upsertLocked applies the monotonic rule and reports whether the entry
// changed. Server sources with an older UpdatedAt are ignored; an equal
// UpdatedAt is accepted without invalidating pending deltas.
func (c *IncidentCache) upsertLocked(inc *entities.Incident, source Source) bool {
	e, ok := c.entries[inc.ID]
	if !ok {
		c.entries[inc.ID] = &cacheEntry{
			base:    inc.Clone(),
			version: 1,
			local:   source == SourceLocal,
		}
		c.index.Put(inc.ID, inc.Lat, inc.Lon)
		return true
	}

	if source != SourceLocal {
		if inc.UpdatedAt.Before(e.base.UpdatedAt) {
			return false
		}
		if inc.UpdatedAt.After(e.base.UpdatedAt) {
			e.version++
		}
		e.local = false
	}
	e.base = inc.Clone()
	c.index.Put(inc.ID, inc.Lat, inc.Lon)
	return true
}

// Upsert inserts inc or overwrites the cached record in place. For server
// sources an update older than the cached one is a no-op and Upsert reports
// false.
func (c *IncidentCache) Upsert(inc *entities.Incident, source Source) bool {
	if inc == nil || inc.ID == "" {
		return false
	}
	c.mu.Lock()
	applied := c.upsertLocked(inc, source)
	var snap *snapshotJob
	if applied {
		snap = c.captureLocked()
	}
	c.mu.Unlock()

	if applied {
		c.persist(snap)
		c.notify(Change{ID: inc.ID, Kind: ChangeUpserted})
	} else {
		c.logger.WithFields(logrus.Fields{
			"incident_id": inc.ID,
			"source":      source.String(),
		}).Debug("ignored stale incident update")
	}
	return applied
}

// Merge applies a partial realtime payload to a cached incident. Patches for
// incidents that are not cached, or that are older than the cached record,
// are ignored.
func (c *IncidentCache) Merge(patch *entities.IncidentPatch, source Source) bool {
	if patch == nil || patch.ID == "" {
		return false
	}
	c.mu.Lock()
	e, ok := c.entries[patch.ID]
	applied := false
	if ok && (patch.UpdatedAt == nil || !patch.UpdatedAt.Before(e.base.UpdatedAt)) {
		applied = c.upsertLocked(patch.ApplyTo(e.base), source)
		// Without a timestamp the patch still carries newer server counts.
		if applied && patch.UpdatedAt == nil && source != SourceLocal {
			e.version++
		}
	}
	var snap *snapshotJob
	if applied {
		snap = c.captureLocked()
	}
	c.mu.Unlock()

	if applied {
		c.persist(snap)
		c.notify(Change{ID: patch.ID, Kind: ChangeUpserted})
	}
	return applied
}

// Replace swaps the cached set for list, as after a fresh nearby fetch.
// Entries absent from list survive when they are pinned, carry pending
// mutations or were created locally. Entries present in both keep the newer
// of the two records.
func (c *IncidentCache) Replace(list []*entities.Incident) {
	c.mu.Lock()
	incoming := make(map[string]bool, len(list))
	var changed []Change
	for _, inc := range list {
		if inc == nil || inc.ID == "" {
			continue
		}
		incoming[inc.ID] = true
		if c.upsertLocked(inc, SourceFetch) {
			changed = append(changed, Change{ID: inc.ID, Kind: ChangeUpserted})
		}
	}
	for id, e := range c.entries {
		if incoming[id] || c.pinned[id] || len(e.pending) > 0 || e.local {
			continue
		}
		delete(c.entries, id)
		c.index.Remove(id)
		changed = append(changed, Change{ID: id, Kind: ChangeRemoved})
	}
	snap := c.captureLocked()
	c.mu.Unlock()

	c.persist(snap)
	for _, ch := range changed {
		c.notify(ch)
	}
}

// Append merges a further page into the cache by id. Existing entries are
// superseded under the usual UpdatedAt rule, never duplicated.
func (c *IncidentCache) Append(list []*entities.Incident) {
	c.mu.Lock()
	var changed []Change
	for _, inc := range list {
		if inc == nil || inc.ID == "" {
			continue
		}
		if c.upsertLocked(inc, SourceFetch) {
			changed = append(changed, Change{ID: inc.ID, Kind: ChangeUpserted})
		}
	}
	var snap *snapshotJob
	if len(changed) > 0 {
		snap = c.captureLocked()
	}
	c.mu.Unlock()

	c.persist(snap)
	for _, ch := range changed {
		c.notify(ch)
	}
}

// Remove deletes a locally created entry, such as a report that never made
// it to the server. Server-confirmed incidents are never removed.
func (c *IncidentCache) Remove(id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return ErrIncidentNotFound
	}
	if !e.local {
		c.mu.Unlock()
		return ErrServerConfirmed
	}
	for _, p := range e.pending {
		delete(c.owner, p.token)
	}
	delete(c.entries, id)
	c.index.Remove(id)
	snap := c.captureLocked()
	c.mu.Unlock()

	c.persist(snap)
	c.notify(Change{ID: id, Kind: ChangeRemoved})
	return nil
}

// ApplyOptimistic layers delta over the incident and returns the token that
// later confirms or compensates it.
func (c *IncidentCache) ApplyOptimistic(id string, delta Delta) (MutationToken, error) {
	if delta.empty() {
		return 0, ErrEmptyDelta
	}
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return 0, ErrIncidentNotFound
	}
	c.nextToken++
	token := c.nextToken
	e.pending = append(e.pending, pendingDelta{token: token, baseVersion: e.version, delta: delta})
	c.owner[token] = id
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"incident_id": id,
		"token":       token,
	}).Debug("applied optimistic delta")
	c.notify(Change{ID: id, Kind: ChangePending})
	return token, nil
}

// Confirm settles an optimistic mutation with the server's answer. The delta
// is dropped and the authoritative record is upserted as server data. Without
// an authoritative record the delta is folded into the base instead, so the
// visible state does not jump back.
func (c *IncidentCache) Confirm(token MutationToken, conf Confirmation) error {
	c.mu.Lock()
	id, ok := c.owner[token]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMutation
	}
	e := c.entries[id]
	i := e.findPending(token)
	p := e.pending[i]
	e.pending = append(e.pending[:i], e.pending[i+1:]...)
	delete(c.owner, token)

	if p.delta.Vote != nil {
		e.myVote = *p.delta.Vote
	}
	if conf.Comment != nil {
		e.comments = appendComment(e.comments, *conf.Comment)
	} else if p.delta.Comment != nil {
		e.comments = appendComment(e.comments, *p.delta.Comment)
	}

	if conf.Incident != nil && conf.Incident.ID == id {
		c.upsertLocked(conf.Incident, SourceMutation)
	} else if p.baseVersion == e.version {
		folded := e.base.Clone()
		folded.Score += p.delta.Score
		folded.CommentsCount += p.delta.CommentsCount
		if p.delta.Status != nil {
			folded.Status = *p.delta.Status
		}
		e.base = folded
	}
	snap := c.captureLocked()
	c.mu.Unlock()

	c.persist(snap)
	c.notify(Change{ID: id, Kind: ChangeSettled})
	return nil
}

// Rollback removes exactly the delta registered under token, leaving other
// pending deltas and any server updates received meanwhile intact.
func (c *IncidentCache) Rollback(token MutationToken) error {
	c.mu.Lock()
	id, ok := c.owner[token]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownMutation
	}
	e := c.entries[id]
	i := e.findPending(token)
	e.pending = append(e.pending[:i], e.pending[i+1:]...)
	delete(c.owner, token)
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"incident_id": id,
		"token":       token,
	}).Info("rolled back optimistic delta")
	c.notify(Change{ID: id, Kind: ChangeSettled})
	return nil
}

// Get returns a copy of the visible incident.
func (c *IncidentCache) Get(id string) (*entities.Incident, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return e.visible(), true
}

// View returns the visible incident with its vote, pin and pending state.
func (c *IncidentCache) View(id string) (View, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return View{}, false
	}
	return View{
		Incident: e.visible(),
		MyVote:   e.visibleVote(),
		Pending:  len(e.pending),
		Pinned:   c.pinned[id],
	}, true
}

// MyVote returns the user's visible vote on id.
func (c *IncidentCache) MyVote(id string) entities.VoteValue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[id]; ok {
		return e.visibleVote()
	}
	return entities.VoteNone
}

// SetMyVote records the user's confirmed vote, as reported by a detail fetch.
func (c *IncidentCache) SetMyVote(id string, v entities.VoteValue) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if ok {
		e.myVote = v
	}
	var snap *snapshotJob
	if ok {
		snap = c.captureLocked()
	}
	c.mu.Unlock()
	c.persist(snap)
}

// List returns every visible incident, newest first.
func (c *IncidentCache) List() []*entities.Incident {
	c.mu.RLock()
	out := make([]*entities.Incident, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.visible())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Nearby returns visible incidents within radiusKm of (lat, lon), nearest
// first.
func (c *IncidentCache) Nearby(lat, lon, radiusKm float64) []*entities.Incident {
	hits := c.index.Nearby(lat, lon, radiusKm)

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entities.Incident, 0, len(hits))
	for _, h := range hits {
		if e, ok := c.entries[h.ID]; ok {
			out = append(out, e.visible())
		}
	}
	return out
}

// Len returns the number of cached incidents.
func (c *IncidentCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Pin keeps id in the cache across Replace calls. Pinning an id that is not
// cached yet takes effect when it arrives.
func (c *IncidentCache) Pin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[id] = true
}

// Unpin releases a pin. The entry stays until the next Replace drops it.
func (c *IncidentCache) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, id)
}

// PinnedIDs returns the pinned ids in sorted order.
func (c *IncidentCache) PinnedIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.pinned))
	for id := range c.pinned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetComments stores the confirmed comment list of an incident.
func (c *IncidentCache) SetComments(id string, comments []entities.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.comments = append([]entities.Comment(nil), comments...)
	entities.SortComments(e.comments)
}

// Comments returns confirmed comments plus pending optimistic ones, oldest
// first.
func (c *IncidentCache) Comments(id string) []entities.Comment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	out := append([]entities.Comment(nil), e.comments...)
	for _, p := range e.pending {
		if p.delta.Comment != nil {
			out = append(out, *p.delta.Comment)
		}
	}
	entities.SortComments(out)
	return out
}

// AddComment records a confirmed comment delivered by a realtime event. A
// comment with an id already cached replaces it. It reports false when the
// incident is not cached.
func (c *IncidentCache) AddComment(id string, cm entities.Comment) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return false
	}
	e.comments = appendComment(e.comments, cm)
	return true
}

// SetRegion records the last viewport so the next session can start there.
func (c *IncidentCache) SetRegion(r entities.Region) {
	c.mu.Lock()
	c.region = &r
	snap := c.captureLocked()
	c.mu.Unlock()
	c.persist(snap)
}

// Region returns the last recorded viewport.
func (c *IncidentCache) Region() (entities.Region, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.region == nil {
		return entities.Region{}, false
	}
	return *c.region, true
}

func appendComment(list []entities.Comment, cm entities.Comment) []entities.Comment {
	for i := range list {
		if list[i].ID == cm.ID {
			list[i] = cm
			return list
		}
	}
	list = append(list, cm)
	entities.SortComments(list)
	return list
}

type snapshotJob struct {
	seq  uint64
	snap *repository.IncidentSnapshot
}

// captureLocked copies the server-confirmed state. Locally created entries
// are not persisted.
func (c *IncidentCache) captureLocked() *snapshotJob {
	if c.store == nil {
		return nil
	}
	c.seq++
	snap := &repository.IncidentSnapshot{
		Incidents: make([]*entities.Incident, 0, len(c.entries)),
		MyVotes:   make(map[string]entities.VoteValue),
		SavedAt:   c.now(),
	}
	for id, e := range c.entries {
		if e.local {
			continue
		}
		snap.Incidents = append(snap.Incidents, e.base.Clone())
		if e.myVote != entities.VoteNone {
			snap.MyVotes[id] = e.myVote
		}
	}
	sort.Slice(snap.Incidents, func(i, j int) bool { return snap.Incidents[i].ID < snap.Incidents[j].ID })
	if c.region != nil {
		r := *c.region
		snap.Region = &r
	}
	return &snapshotJob{seq: c.seq, snap: snap}
}

func (c *IncidentCache) persist(job *snapshotJob) {
	if job == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if job.seq <= c.savedSeq {
		return
	}
	if err := c.store.SaveIncidents(context.Background(), job.snap); err != nil {
		c.logger.WithError(err).Warn("failed to persist incident cache")
		return
	}
	c.savedSeq = job.seq
}

func (c *IncidentCache) notify(ch Change) {
	c.mu.RLock()
	listeners := append([]func(Change){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn(ch)
	}
}
