package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hazardwatch/internal/apperr"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/repository/memory"
)

// Feed is the part of the feed service the inspector drives.
type Feed interface {
	SetViewport(ctx context.Context, region entities.Region) error
	Visible() []*entities.Incident
	AreaTopics() []entities.Topic
}

type IncidentHandler struct {
	cache *memory.IncidentCache
	feed  Feed
}

func NewIncidentHandler(cache *memory.IncidentCache, feed Feed) *IncidentHandler {
	return &IncidentHandler{
		cache: cache,
		feed:  feed,
	}
}

type incidentView struct {
	*entities.Incident
	MyVote  entities.VoteValue `json:"myVote"`
	Pending int                `json:"pending"`
	Pinned  bool               `json:"pinned"`
}

// ListIncidents handles GET /debug/incidents. With ?scope=visible only the
// incidents inside the current viewport are listed.
func (h *IncidentHandler) ListIncidents(c *gin.Context) {
	var list []*entities.Incident
	if c.Query("scope") == "visible" {
		list = h.feed.Visible()
	} else {
		list = h.cache.List()
	}

	out := make([]incidentView, 0, len(list))
	for _, inc := range list {
		v, ok := h.cache.View(inc.ID)
		if !ok {
			continue
		}
		out = append(out, incidentView{Incident: v.Incident, MyVote: v.MyVote, Pending: v.Pending, Pinned: v.Pinned})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(out),
		"incidents": out,
	})
}

// GetIncident handles GET /debug/incidents/:id
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	id := c.Param("id")
	v, ok := h.cache.View(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not cached"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"incident": incidentView{Incident: v.Incident, MyVote: v.MyVote, Pending: v.Pending, Pinned: v.Pinned},
		"comments": h.cache.Comments(id),
	})
}

type SetViewportRequest struct {
	Lat      *float64 `json:"lat" binding:"required"`
	Lon      *float64 `json:"lon" binding:"required"`
	LatDelta float64  `json:"latDelta"`
	LonDelta float64  `json:"lonDelta"`
}

// SetViewport handles POST /debug/viewport
func (h *IncidentHandler) SetViewport(c *gin.Context) {
	var req SetViewportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	region := entities.NewRegion(*req.Lat, *req.Lon, req.LatDelta, req.LonDelta)
	if err := h.feed.SetViewport(c.Request.Context(), region); err != nil {
		status := http.StatusBadGateway
		if apperr.Is(err, apperr.Validation) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": apperr.UserMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"center":  region.Center,
		"topics":  h.feed.AreaTopics(),
		"visible": len(h.feed.Visible()),
	})
}
