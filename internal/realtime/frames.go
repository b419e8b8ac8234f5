package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"hazardwatch/internal/domain/entities"
)

// EventType is the "type" field of an inbound frame.
type EventType string

const (
	EventIncidentCreated   EventType = "incident.created"
	EventIncidentUpdated   EventType = "incident.updated"
	EventIncidentVoted     EventType = "incident.voted"
	EventIncidentCommented EventType = "incident.commented"

	typePong = "pong"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event type")

	errIgnoredFrame = errors.New("ignored frame")
)

// Event is a parsed inbound realtime event. Created events carry a full
// Incident. Updated events always carry a Patch, plus the Incident when the
// server sent every field. Voted and commented events carry a Patch, and
// commented events also carry the new Comment when the server includes it.
type Event struct {
	Type     EventType
	Incident *entities.Incident
	Patch    *entities.IncidentPatch
	Comment  *entities.Comment
}

// IncidentID returns the id of the incident the event is about.
func (e *Event) IncidentID() string {
	switch {
	case e.Incident != nil:
		return e.Incident.ID
	case e.Patch != nil:
		return e.Patch.ID
	}
	return ""
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// fullIncidentFields are the fields an "incident.updated" payload needs to
// stand in for the whole record.
var fullIncidentFields = []string{"createdAt", "updatedAt", "lat", "lon", "type", "status", "text"}

func isFullIncident(data json.RawMessage) (bool, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, err
	}
	for _, f := range fullIncidentFields {
		if _, ok := fields[f]; !ok {
			return false, nil
		}
	}
	return true, nil
}

type commentedData struct {
	entities.IncidentPatch
	Comment *entities.Comment `json:"comment,omitempty"`
}

// ParseEvent decodes one inbound frame. Heartbeat replies yield
// errIgnoredFrame; anything that is not a well-formed known event yields an
// error wrapping ErrMalformedFrame or ErrUnknownEvent.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == typePong {
		return nil, errIgnoredFrame
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %q has no data", ErrMalformedFrame, env.Type)
	}

	ev := &Event{Type: EventType(env.Type)}
	switch ev.Type {
	case EventIncidentCreated:
		var inc entities.Incident
		if err := json.Unmarshal(env.Data, &inc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
		}
		ev.Incident = &inc

	case EventIncidentUpdated:
		var p entities.IncidentPatch
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
		}
		ev.Patch = &p
		full, err := isFullIncident(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
		}
		if full {
			var inc entities.Incident
			if err := json.Unmarshal(env.Data, &inc); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
			}
			ev.Incident = &inc
		}

	case EventIncidentVoted:
		var p entities.IncidentPatch
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
		}
		ev.Patch = &p

	case EventIncidentCommented:
		var d commentedData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
		}
		ev.Patch = &d.IncidentPatch
		if d.Comment != nil {
			if d.Comment.IncidentID == "" {
				d.Comment.IncidentID = d.ID
			}
			ev.Comment = d.Comment
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if ev.IncidentID() == "" {
		return nil, fmt.Errorf("%w: %s without incident id", ErrMalformedFrame, env.Type)
	}
	return ev, nil
}

const (
	actionSubscribeArea     = "subscribeArea"
	actionSubscribeIncident = "subscribeIncident"
	actionUnsubscribe       = "unsubscribe"
)

// frame is an outbound subscription control message.
type frame struct {
	Action        string `json:"action"`
	GeohashPrefix string `json:"geohashPrefix,omitempty"`
	IncidentID    string `json:"incidentId,omitempty"`
}

var pingFrame = []byte(`{"type":"ping"}`)

func subscribeFrame(t entities.Topic) (frame, error) {
	kind, value, err := entities.ParseTopic(t)
	if err != nil {
		return frame{}, err
	}
	if kind == entities.TopicArea {
		return frame{Action: actionSubscribeArea, GeohashPrefix: value}, nil
	}
	return frame{Action: actionSubscribeIncident, IncidentID: value}, nil
}

func unsubscribeFrame(t entities.Topic) (frame, error) {
	f, err := subscribeFrame(t)
	if err != nil {
		return frame{}, err
	}
	f.Action = actionUnsubscribe
	return f, nil
}
