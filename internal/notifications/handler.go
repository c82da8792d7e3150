package notifications

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"practice-portal/notification-service/internal/settings"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type Handler struct {
	dispatcher *Dispatcher
	history    History
}

func NewHandler(dispatcher *Dispatcher, history History) *Handler {
	return &Handler{dispatcher: dispatcher, history: history}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	n := rg.Group("/notifications")
	{
		n.POST("/events", h.Publish)

		d := n.Group("/deliveries", settings.RequireUser())
		d.GET("", h.ListDeliveries)
		d.GET("/:id", h.GetDelivery)
	}
}

// Publish gates one event and returns the resolved delivery
func (h *Handler) Publish(c *gin.Context) {
	var e NotificationEvent
	if err := c.ShouldBindJSON(&e); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.dispatcher.Dispatch(c.Request.Context(), e)
	if err != nil {
		if out.NotificationID != "" {
			// resolved, but a downstream subscriber failed
			c.JSON(http.StatusAccepted, gin.H{"delivery": out, "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) ListDeliveries(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
		return
	}

	logs, err := h.history.ListForUser(c.Request.Context(), c.GetString("user_id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": logs, "limit": limit, "offset": offset})
}

func (h *Handler) GetDelivery(c *gin.Context) {
	log, err := h.history.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrDeliveryNotFound) || (err == nil && log.UserID != c.GetString("user_id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrDeliveryNotFound.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, log)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
