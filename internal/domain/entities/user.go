package entities

import "time"

// User is the signed-in account returned by GET /me.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Device is the body of POST /devices, registering this install for push
// delivery. Scheduling the pushes themselves happens elsewhere.
type Device struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	PushToken string `json:"pushToken"`
}

// Draft is a report the user has started but not yet submitted. The
// provisional ID is assigned on the device and sent along as the client id.
type Draft struct {
	ProvisionalID string       `json:"provisionalId"`
	PhotoURI      string       `json:"photoUri,omitempty"`
	Location      *Coordinate  `json:"location,omitempty"`
	Type          IncidentType `json:"type,omitempty"`
	Text          string       `json:"text,omitempty"`
	AISummary     string       `json:"aiSummary,omitempty"`
	AIFlags       []string     `json:"aiFlags,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// UploadTicket is the answer to POST /incidents/request-upload: a presigned
// URL to PUT the photo to, plus where it will live afterwards.
type UploadTicket struct {
	UploadURL   string `json:"uploadUrl"`
	StorageKey  string `json:"storageKey"`
	PublicURL   string `json:"publicUrl"`
	ContentType string `json:"contentType,omitempty"`
}
