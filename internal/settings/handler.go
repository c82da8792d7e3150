package settings

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"practice-portal/notification-service/internal/catalog"
)

// UserHeader carries the caller identity set by the gateway
const UserHeader = "X-User-ID"

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	n := rg.Group("/settings/notifications", RequireUser())
	{
		n.GET("", h.Get)
		n.DELETE("", h.Delete)
		n.POST("/reset", h.Reset)
		n.POST("/wizard", h.Wizard)
		n.PUT("/quiet-hours", h.UpdateQuietHours)
		n.GET("/summary", h.Summary)

		n.GET("/types/:id", h.GetType)
		n.DELETE("/types/:id", h.ResetType)
		n.POST("/types/:id/channels/:channel/toggle", h.ToggleTypeChannel)
		n.POST("/types/:id/digest/toggle", h.ToggleTypeDigest)
		n.PUT("/types/:id/digest", h.SetTypeDigest)
		n.POST("/types/:id/sound/toggle", h.ToggleTypeSound)

		n.POST("/categories/:category/channels/:channel/toggle", h.ToggleCategoryChannel)
		n.POST("/categories/:category/sound/toggle", h.ToggleCategorySound)
		n.PUT("/categories/:category/digest", h.UpdateCategoryDigest)
	}
}

// RequireUser rejects requests without a user id header
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(UserHeader)
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + UserHeader + " header"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString("user_id")
}

type settingsResponse struct {
	Settings *UserNotificationSettings `json:"settings"`
	Types    []TypeView                `json:"types"`
}

type categoryResponse struct {
	Settings   *UserNotificationSettings `json:"settings"`
	Unaffected []string                  `json:"unaffected"`
}

type digestRequest struct {
	Enabled   bool         `json:"enabled"`
	Frequency Frequency    `json:"frequency" binding:"required"`
	Weekday   time.Weekday `json:"weekday"`
}

type wizardRequest struct {
	Answers    WizardAnswers `json:"answers" binding:"required"`
	QuietHours *QuietHours   `json:"quietHours"`
}

func (h *Handler) respond(c *gin.Context, s *UserNotificationSettings) {
	c.JSON(http.StatusOK, settingsResponse{
		Settings: s,
		Types:    h.store.Resolver().TypeViews(s, h.store.Catalog()),
	})
}

func (h *Handler) respondCategory(c *gin.Context, s *UserNotificationSettings, category catalog.Category) {
	unaffected := CustomizedTypes(s, h.store.Catalog(), category)
	if unaffected == nil {
		unaffected = []string{}
	}
	c.JSON(http.StatusOK, categoryResponse{Settings: s, Unaffected: unaffected})
}

func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Load(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Reset(c *gin.Context) {
	s, err := h.store.Reset(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) Wizard(c *gin.Context) {
	var req wizardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "wizard", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ApplyWizard(cur, req.Answers, req.QuietHours)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) UpdateQuietHours(c *gin.Context) {
	var q QuietHours
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "update_quiet_hours", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().UpdateQuietHours(cur, q)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.QuietHours)
}

func (h *Handler) Summary(c *gin.Context) {
	s, err := h.store.Load(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.store.Resolver().Summarize(s, h.store.Catalog()))
}

// typeCategory finds the category of the type in the path. An explicit
// category query parameter is honored so stale ids still resolve.
func (h *Handler) typeCategory(c *gin.Context) (string, catalog.Category, bool) {
	id := c.Param("id")
	if q := c.Query("category"); q != "" {
		return id, catalog.Category(q), true
	}
	t, ok := h.store.Catalog().Type(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrUnknownNotificationType.Error() + ": " + id})
		return "", "", false
	}
	return id, t.Category, true
}

func (h *Handler) GetType(c *gin.Context) {
	id, category, ok := h.typeCategory(c)
	if !ok {
		return
	}
	s, err := h.store.Load(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, TypeView{
		Type:      h.lookupType(id, category),
		Effective: h.store.Resolver().Effective(s, id, category),
		IsCustom:  IsCustom(s, id, category),
	})
}

func (h *Handler) lookupType(id string, category catalog.Category) catalog.NotificationType {
	if t, ok := h.store.Catalog().Type(id); ok {
		return t
	}
	return catalog.NotificationType{ID: id, Category: category}
}

func (h *Handler) ResetType(c *gin.Context) {
	id := c.Param("id")
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "reset_type", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ResetType(cur, id)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) ToggleTypeChannel(c *gin.Context) {
	id, category, ok := h.typeCategory(c)
	if !ok {
		return
	}
	ch, err := catalog.ParseChannel(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "toggle_type_channel", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ToggleTypeChannel(cur, id, category, ch)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) ToggleTypeDigest(c *gin.Context) {
	id, category, ok := h.typeCategory(c)
	if !ok {
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "toggle_type_digest", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ToggleTypeDigest(cur, id, category)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) SetTypeDigest(c *gin.Context) {
	id, category, ok := h.typeCategory(c)
	if !ok {
		return
	}
	var req digestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "set_type_digest", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().SetTypeDigestFrequency(cur, id, category, req.Frequency, req.Weekday)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) ToggleTypeSound(c *gin.Context) {
	id, category, ok := h.typeCategory(c)
	if !ok {
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "toggle_type_sound", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ToggleTypePopupSound(cur, id, category)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respond(c, s)
}

func (h *Handler) ToggleCategoryChannel(c *gin.Context) {
	category := catalog.Category(c.Param("category"))
	ch, err := catalog.ParseChannel(c.Param("channel"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "toggle_category_channel", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ToggleCategoryChannel(cur, category, ch)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondCategory(c, s, category)
}

func (h *Handler) ToggleCategorySound(c *gin.Context) {
	category := catalog.Category(c.Param("category"))
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "toggle_category_sound", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().ToggleCategoryPopupSound(cur, category)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondCategory(c, s, category)
}

func (h *Handler) UpdateCategoryDigest(c *gin.Context) {
	category := catalog.Category(c.Param("category"))
	var req digestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.store.Mutate(c.Request.Context(), userID(c), "update_category_digest", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		return h.store.Resolver().UpdateCategoryDigest(cur, category, req.Enabled, req.Frequency, req.Weekday)
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.respondCategory(c, s, category)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrLockedCategory):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrUnknownCategory), errors.Is(err, ErrUnknownNotificationType):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidDigest), errors.Is(err, ErrInvalidQuietHours), errors.Is(err, ErrInvalidWizardAnswer):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
