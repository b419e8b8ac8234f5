package handlers

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/realtime"
)

// Realtime is the read side of the realtime channel.
type Realtime interface {
	State() realtime.State
	DesiredTopics() []entities.Topic
}

type RealtimeHandler struct {
	channel Realtime
	feed    Feed
}

func NewRealtimeHandler(channel Realtime, feed Feed) *RealtimeHandler {
	return &RealtimeHandler{
		channel: channel,
		feed:    feed,
	}
}

// Health handles GET /health. The inspector is healthy whenever it answers;
// the realtime state is reported for information.
func (h *RealtimeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"realtime": h.channel.State().String(),
	})
}

// Subscriptions handles GET /debug/subscriptions
func (h *RealtimeHandler) Subscriptions(c *gin.Context) {
	desired := h.channel.DesiredTopics()
	area := h.feed.AreaTopics()
	sort.Slice(area, func(i, j int) bool { return area[i] < area[j] })

	c.JSON(http.StatusOK, gin.H{
		"state":   h.channel.State().String(),
		"desired": desired,
		"area":    area,
	})
}
