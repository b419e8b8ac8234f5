package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"hazardwatch/internal/domain/entities"
)

// NearbyQuery selects incidents around a point. After is the opaque cursor
// from a previous page; empty for the first page.
type NearbyQuery struct {
	Lat      float64
	Lon      float64
	RadiusKm float64
	After    string
}

// NearbyPage is one page of GET /incidents/near.
type NearbyPage struct {
	Items      []*entities.Incident `json:"items"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

// VoteResult is the server's answer to a vote: the incident with its new
// score and the caller's resulting vote.
type VoteResult struct {
	Incident *entities.Incident `json:"incident"`
	MyVote   entities.VoteValue `json:"myVote"`
}

// CommentResult is the server's answer to a posted comment.
type CommentResult struct {
	Comment  *entities.Comment  `json:"comment"`
	Incident *entities.Incident `json:"incident,omitempty"`
}

type uploadRequest struct {
	ContentType string `json:"contentType"`
}

type commentRequest struct {
	ClientID string `json:"clientId,omitempty"`
	Text     string `json:"text"`
}

type statusRequest struct {
	Status entities.IncidentStatus `json:"status"`
}

func incidentPath(id, suffix string) string {
	return "/incidents/" + url.PathEscape(id) + suffix
}

// Me returns the signed-in user.
func (c *Client) Me(ctx context.Context) (*entities.User, error) {
	var u entities.User
	if err := c.do(ctx, call{method: http.MethodGet, endpoint: "/me", path: "/me", out: &u}); err != nil {
		return nil, err
	}
	return &u, nil
}

// RequestUpload asks for a presigned photo upload URL.
func (c *Client) RequestUpload(ctx context.Context, contentType string) (*entities.UploadTicket, error) {
	var t entities.UploadTicket
	err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "/incidents/request-upload",
		path:     "/incidents/request-upload",
		body:     uploadRequest{ContentType: contentType},
		out:      &t,
	})
	if err != nil {
		return nil, err
	}
	if t.ContentType == "" {
		t.ContentType = contentType
	}
	return &t, nil
}

// CreateIncident submits a new report.
func (c *Client) CreateIncident(ctx context.Context, req entities.NewIncidentRequest) (*entities.Incident, error) {
	var inc entities.Incident
	err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "/incidents",
		path:     "/incidents",
		body:     req,
		out:      &inc,
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// NearbyIncidents fetches one page of incidents within q.RadiusKm of the
// point.
func (c *Client) NearbyIncidents(ctx context.Context, q NearbyQuery) (*NearbyPage, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(q.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(q.Lon, 'f', -1, 64))
	params.Set("radius", strconv.FormatFloat(q.RadiusKm, 'f', -1, 64))
	if q.After != "" {
		params.Set("after", q.After)
	}

	var page NearbyPage
	err := c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: "/incidents/near",
		path:     "/incidents/near",
		query:    params,
		out:      &page,
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// GetIncident fetches one incident with its comments.
func (c *Client) GetIncident(ctx context.Context, id string) (*entities.IncidentDetail, error) {
	var d entities.IncidentDetail
	err := c.do(ctx, call{
		method:   http.MethodGet,
		endpoint: "/incidents/{id}",
		path:     incidentPath(id, ""),
		out:      &d,
	})
	if err != nil {
		return nil, err
	}
	entities.SortComments(d.Comments)
	return &d, nil
}

// Vote casts value on an incident. Sending the value the user already holds
// cancels the vote server-side.
func (c *Client) Vote(ctx context.Context, id string, value entities.VoteValue) (*VoteResult, error) {
	var res VoteResult
	err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "/incidents/{id}/vote",
		path:     incidentPath(id, "/vote"),
		body:     entities.Vote{Value: value},
		out:      &res,
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Comment posts a comment. clientID is the provisional id of the optimistic
// copy so the server can deduplicate a retried request.
func (c *Client) Comment(ctx context.Context, id, clientID, text string) (*CommentResult, error) {
	var res CommentResult
	err := c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "/incidents/{id}/comment",
		path:     incidentPath(id, "/comment"),
		body:     commentRequest{ClientID: clientID, Text: text},
		out:      &res,
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateStatus moves an incident through its lifecycle.
func (c *Client) UpdateStatus(ctx context.Context, id string, status entities.IncidentStatus) (*entities.Incident, error) {
	var inc entities.Incident
	err := c.do(ctx, call{
		method:   http.MethodPatch,
		endpoint: "/incidents/{id}/status",
		path:     incidentPath(id, "/status"),
		body:     statusRequest{Status: status},
		out:      &inc,
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// RegisterDevice registers this install for push delivery.
func (c *Client) RegisterDevice(ctx context.Context, d entities.Device) error {
	return c.do(ctx, call{
		method:   http.MethodPost,
		endpoint: "/devices",
		path:     "/devices",
		body:     d,
	})
}
