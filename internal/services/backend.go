package services

import (
	"context"

	"hazardwatch/internal/api"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/realtime"
)

// Backend is the REST surface the services call. *api.Client implements it.
type Backend interface {
	Me(ctx context.Context) (*entities.User, error)
	RequestUpload(ctx context.Context, contentType string) (*entities.UploadTicket, error)
	UploadPhoto(ctx context.Context, ticket *entities.UploadTicket, data []byte) (*entities.PhotoRef, error)
	CreateIncident(ctx context.Context, req entities.NewIncidentRequest) (*entities.Incident, error)
	NearbyIncidents(ctx context.Context, q api.NearbyQuery) (*api.NearbyPage, error)
	GetIncident(ctx context.Context, id string) (*entities.IncidentDetail, error)
	Vote(ctx context.Context, id string, value entities.VoteValue) (*api.VoteResult, error)
	Comment(ctx context.Context, id, clientID, text string) (*api.CommentResult, error)
	UpdateStatus(ctx context.Context, id string, status entities.IncidentStatus) (*entities.Incident, error)
	RegisterDevice(ctx context.Context, d entities.Device) error
}

// Subscriber manages realtime topics. *realtime.Channel implements it.
type Subscriber interface {
	Subscribe(t entities.Topic) error
	Unsubscribe(t entities.Topic) error
}

// EventSource delivers realtime events to handlers.
type EventSource interface {
	On(t realtime.EventType, h realtime.Handler)
}

var (
	_ Backend     = (*api.Client)(nil)
	_ Subscriber  = (*realtime.Channel)(nil)
	_ EventSource = (*realtime.Channel)(nil)
)
