package handlers

import (
	"net/http"

	"github.com/franzego/notifyhub/internal/models"
	"github.com/gin-gonic/gin"
)

type PreferencesHandler struct {
	notifier Notifier
}

func NewPreferencesHandler(notifier Notifier) *PreferencesHandler {
	return &PreferencesHandler{notifier: notifier}
}

func (h *PreferencesHandler) Get(c *gin.Context) {
	prefs, err := h.notifier.GetPreferences(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to load preferences")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Preferences", Data: prefs})
}

func (h *PreferencesHandler) Update(c *gin.Context) {
	var patch models.PreferencesPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	prefs, err := h.notifier.UpdatePreferences(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err, "Failed to update preferences")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Preferences updated", Data: prefs})
}

// Reset forgets the user's saved preferences; the defaults apply again.
func (h *PreferencesHandler) Reset(c *gin.Context) {
	prefs, err := h.notifier.ResetPreferences(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, "Failed to reset preferences")
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Preferences reset", Data: prefs})
}
