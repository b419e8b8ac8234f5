// Package entities defines the core domain models of the hazard-reporting
// client: incidents, votes, comments, map regions and realtime topics. These
// structs have no dependencies on HTTP, sockets or storage.
package entities

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MaxIncidentTextLen = 500
	MaxAISummaryLen    = 140
	MaxCommentTextLen  = 200
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidIncident   = errors.New("invalid incident")
)

// IncidentType is the hazard category chosen by the reporter (or suggested
// by the AI assist step).
type IncidentType string

const (
	IncidentTypePothole   IncidentType = "pothole"
	IncidentTypeDebris    IncidentType = "debris"
	IncidentTypeStructure IncidentType = "structure"
	IncidentTypeOther     IncidentType = "other"
)

// Valid reports whether t is one of the known incident types.
func (t IncidentType) Valid() bool {
	switch t {
	case IncidentTypePothole, IncidentTypeDebris, IncidentTypeStructure, IncidentTypeOther:
		return true
	}
	return false
}

// IncidentStatus represents where an incident is in its review lifecycle.
// Incidents are never deleted by the client; resolving one is a status
// transition:
//
//	open → acknowledged → resolved
//	  ↘──────────────────↗   (resolved can be reopened)
type IncidentStatus string

const (
	IncidentStatusOpen         IncidentStatus = "open"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
)

// validTransitions is the incident state machine. CanTransitionTo looks up
// the current status and checks whether the target is listed.
var validTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:         {IncidentStatusAcknowledged, IncidentStatusResolved},
	IncidentStatusAcknowledged: {IncidentStatusResolved, IncidentStatusOpen},
	IncidentStatusResolved:     {IncidentStatusOpen},
}

// Valid reports whether s is one of the known statuses.
func (s IncidentStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// PhotoRef points at an uploaded photo: the storage key returned by the
// upload request and the CDN URL it is served from.
type PhotoRef struct {
	StorageKey string `json:"storageKey"`
	URL        string `json:"url"`
}

// Incident is a single reported hazard. Score and CommentsCount are owned by
// the server; the client only ever applies deltas to them optimistically and
// reconciles against the next confirmed value.
type Incident struct {
	ID            string         `json:"id"`
	AuthorID      string         `json:"authorId"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Lat           float64        `json:"lat"`
	Lon           float64        `json:"lon"`
	Geohash       string         `json:"geohash"`
	Type          IncidentType   `json:"type"`
	Status        IncidentStatus `json:"status"`
	Text          string         `json:"text"`
	AISummary     string         `json:"aiSummary,omitempty"`
	AIFlags       []string       `json:"aiFlags,omitempty"`
	Photo         *PhotoRef      `json:"photo,omitempty"`
	Score         int            `json:"score"`
	CommentsCount int            `json:"commentsCount"`
}

// Clone returns a deep copy so cached records are never shared with callers.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	if i.AIFlags != nil {
		c.AIFlags = append([]string(nil), i.AIFlags...)
	}
	if i.Photo != nil {
		p := *i.Photo
		c.Photo = &p
	}
	return &c
}

// Validate checks the invariants a well-formed incident must hold.
func (i *Incident) Validate() error {
	var problems []string
	if i.ID == "" {
		problems = append(problems, "id is required")
	}
	if i.Lat < -90 || i.Lat > 90 || i.Lon < -180 || i.Lon > 180 {
		problems = append(problems, "coordinate out of range")
	}
	if utf8.RuneCountInString(i.Text) > MaxIncidentTextLen {
		problems = append(problems, fmt.Sprintf("text exceeds %d characters", MaxIncidentTextLen))
	}
	if utf8.RuneCountInString(i.AISummary) > MaxAISummaryLen {
		problems = append(problems, fmt.Sprintf("ai summary exceeds %d characters", MaxAISummaryLen))
	}
	if i.CommentsCount < 0 {
		problems = append(problems, "comments count is negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIncident, strings.Join(problems, "; "))
	}
	return nil
}

// IsNewerThan reports whether i carries a strictly later UpdatedAt than other.
func (i *Incident) IsNewerThan(other *Incident) bool {
	return i.UpdatedAt.After(other.UpdatedAt)
}

// CanTransitionTo checks if moving to newStatus is a valid state change.
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	allowed, exists := validTransitions[i.Status]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == newStatus {
			return true
		}
	}
	return false
}

// TransitionTo moves the incident to newStatus or returns
// ErrInvalidTransition.
func (i *Incident) TransitionTo(newStatus IncidentStatus, at time.Time) error {
	if !i.CanTransitionTo(newStatus) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, i.Status, newStatus)
	}
	i.Status = newStatus
	i.UpdatedAt = at
	return nil
}

// IncidentPatch is the partial form of an incident carried by realtime
// events. Nil fields are left untouched when the patch is applied; a
// location only moves when both coordinates are present.
type IncidentPatch struct {
	ID            string          `json:"id"`
	UpdatedAt     *time.Time      `json:"updatedAt,omitempty"`
	Type          *IncidentType   `json:"type,omitempty"`
	Status        *IncidentStatus `json:"status,omitempty"`
	Lat           *float64        `json:"lat,omitempty"`
	Lon           *float64        `json:"lon,omitempty"`
	Geohash       *string         `json:"geohash,omitempty"`
	Text          *string         `json:"text,omitempty"`
	AISummary     *string         `json:"aiSummary,omitempty"`
	AIFlags       []string        `json:"aiFlags,omitempty"`
	Photo         *PhotoRef       `json:"photo,omitempty"`
	Score         *int            `json:"score,omitempty"`
	CommentsCount *int            `json:"commentsCount,omitempty"`
}

// ApplyTo returns a copy of base with every non-nil field of p applied.
// When the patch has no timestamp the base timestamp is kept.
func (p *IncidentPatch) ApplyTo(base *Incident) *Incident {
	out := base.Clone()
	if p.UpdatedAt != nil {
		out.UpdatedAt = *p.UpdatedAt
	}
	if p.Type != nil {
		out.Type = *p.Type
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Lat != nil && p.Lon != nil {
		out.Lat, out.Lon = *p.Lat, *p.Lon
	}
	if p.Geohash != nil {
		out.Geohash = *p.Geohash
	}
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.AISummary != nil {
		out.AISummary = *p.AISummary
	}
	if p.AIFlags != nil {
		out.AIFlags = append([]string(nil), p.AIFlags...)
	}
	if p.Photo != nil {
		ph := *p.Photo
		out.Photo = &ph
	}
	if p.Score != nil {
		out.Score = *p.Score
	}
	if p.CommentsCount != nil {
		out.CommentsCount = *p.CommentsCount
	}
	return out
}

// NewIncidentRequest is the body of POST /incidents. ClientID is the
// provisional id assigned on the device; the server answers with the
// canonical one.
type NewIncidentRequest struct {
	ClientID  string       `json:"clientId"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lon"`
	Type      IncidentType `json:"type"`
	Text      string       `json:"text"`
	AISummary string       `json:"aiSummary,omitempty"`
	AIFlags   []string     `json:"aiFlags,omitempty"`
	Photo     *PhotoRef    `json:"photo,omitempty"`
}
