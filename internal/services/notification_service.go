package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/realtime"
	"hazardwatch/internal/repository/memory"
	"hazardwatch/internal/state"
)

// Notice is a local notification derived from a realtime event.
type Notice struct {
	IncidentID string
	Event      realtime.EventType
	Title      string
	Body       string
}

// NotificationService turns realtime events into local notices according
// to the user's stored preferences. Delivery is a logging sink plus any
// registered listeners; scheduling platform pushes is out of its scope.
type NotificationService struct {
	store     *state.Store
	cache     *memory.IncidentCache
	isWatched func(id string) bool
	logger    logrus.FieldLogger

	mu        sync.RWMutex
	prefs     state.NotificationPrefs
	listeners []func(Notice)
}

func NewNotificationService(store *state.Store, cache *memory.IncidentCache, isWatched func(string) bool, logger logrus.FieldLogger) *NotificationService {
	return &NotificationService{
		store:     store,
		cache:     cache,
		isWatched: isWatched,
		logger:    logger.WithField("component", "notification"),
		prefs:     state.DefaultNotificationPrefs(),
	}
}

// Load reads the stored preferences.
func (s *NotificationService) Load(ctx context.Context) error {
	prefs, err := s.store.NotificationPrefs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
	return nil
}

// Prefs returns the active preferences.
func (s *NotificationService) Prefs() state.NotificationPrefs {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

// SetPrefs stores and activates prefs.
func (s *NotificationService) SetPrefs(ctx context.Context, prefs state.NotificationPrefs) error {
	if err := s.store.SaveNotificationPrefs(ctx, prefs); err != nil {
		return err
	}
	s.mu.Lock()
	s.prefs = prefs
	s.mu.Unlock()
	return nil
}

// OnNotice registers fn to receive every notice.
func (s *NotificationService) OnNotice(fn func(Notice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Register routes every incident event type from src to HandleEvent.
func (s *NotificationService) Register(src EventSource) {
	for _, t := range []realtime.EventType{
		realtime.EventIncidentCreated,
		realtime.EventIncidentUpdated,
		realtime.EventIncidentVoted,
		realtime.EventIncidentCommented,
	} {
		src.On(t, s.HandleEvent)
	}
}

// HandleEvent emits a notice for ev if the preferences allow it. Votes
// never produce a notice.
func (s *NotificationService) HandleEvent(ev *realtime.Event) error {
	s.mu.RLock()
	prefs := s.prefs
	listeners := append([]func(Notice){}, s.listeners...)
	s.mu.RUnlock()

	n, ok := s.noticeFor(ev, prefs)
	if !ok {
		return nil
	}

	s.logger.WithFields(logrus.Fields{
		"incident_id": n.IncidentID,
		"event":       n.Event,
	}).Infof("%s: %s", n.Title, n.Body)
	for _, fn := range listeners {
		fn(n)
	}
	return nil
}

func (s *NotificationService) noticeFor(ev *realtime.Event, prefs state.NotificationPrefs) (Notice, bool) {
	if !prefs.Enabled || ev.Type == realtime.EventIncidentVoted {
		return Notice{}, false
	}
	if ev.Type == realtime.EventIncidentCommented && !prefs.IncludeComments {
		return Notice{}, false
	}

	id := ev.IncidentID()
	if prefs.WatchedOnly && (s.isWatched == nil || !s.isWatched(id)) {
		return Notice{}, false
	}

	inc := ev.Incident
	if inc == nil && s.cache != nil {
		inc, _ = s.cache.Get(id)
	}
	if len(prefs.Types) > 0 {
		if inc == nil || !containsType(prefs.Types, inc.Type) {
			return Notice{}, false
		}
	}

	n := Notice{IncidentID: id, Event: ev.Type}
	switch ev.Type {
	case realtime.EventIncidentCreated:
		n.Title = fmt.Sprintf("New %s reported nearby", inc.Type)
		n.Body = summary(inc)
	case realtime.EventIncidentUpdated:
		status := entities.IncidentStatus("")
		if inc != nil {
			status = inc.Status
		}
		if ev.Patch != nil && ev.Patch.Status != nil {
			status = *ev.Patch.Status
		}
		n.Title = fmt.Sprintf("Incident is now %s", status)
		n.Body = summary(inc)
	case realtime.EventIncidentCommented:
		n.Title = "New comment"
		if ev.Comment != nil {
			n.Body = ev.Comment.Text
		} else if inc != nil {
			n.Body = summary(inc)
		}
	}
	return n, true
}

func summary(inc *entities.Incident) string {
	if inc == nil {
		return ""
	}
	if inc.AISummary != "" {
		return inc.AISummary
	}
	return inc.Text
}

func containsType(types []entities.IncidentType, t entities.IncidentType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
