package dashboard

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/finomaly/finomaly/internal/realtime"
	"github.com/finomaly/finomaly/internal/settings"
	"github.com/finomaly/finomaly/internal/validation"
)

func settingsBody(t settings.Thresholds) gin.H {
	return gin.H{
		"settings":       t,
		"currencySymbol": t.Currency.Symbol(),
	}
}

// GetSettings returns the current in-memory thresholds.
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsBody(h.settings.Get()))
}

var errSettingsBody = errors.New("body must be a JSON object")

// UpdateSettings applies a full or partial update in memory. Fields absent
// from the body keep their current values. Nothing is persisted until
// SaveSettings.
func (h *Handler) UpdateSettings(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.settings.Patch(func(t *settings.Thresholds) error {
		if err := json.Unmarshal(raw, t); err != nil {
			return errSettingsBody
		}
		return t.Validate()
	})
	if errors.Is(err, errSettingsBody) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		validationFailed(c, err)
		return
	}

	h.settingsChanged(t)
	c.JSON(http.StatusOK, settingsBody(t))
}

// validationFailed writes a 400 listing every failed field when err carries
// them.
func validationFailed(c *gin.Context, err error) {
	body := gin.H{"error": "validation_failed", "message": err.Error()}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.JSON(http.StatusBadRequest, body)
}

// SaveSettings persists the current thresholds.
func (h *Handler) SaveSettings(c *gin.Context) {
	if err := h.settings.Save(c.Request.Context()); err != nil {
		h.logger.Error("save settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed", "message": "failed to save settings"})
		return
	}
	body := settingsBody(h.settings.Get())
	body["saved"] = true
	c.JSON(http.StatusOK, body)
}

// ResetSettings restores the defaults and clears the persisted entry.
func (h *Handler) ResetSettings(c *gin.Context) {
	t, err := h.settings.Reset(c.Request.Context())
	h.settingsChanged(t)
	if err != nil {
		h.logger.Error("reset settings", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reset_failed", "message": "defaults restored but the saved entry could not be cleared"})
		return
	}
	c.JSON(http.StatusOK, settingsBody(t))
}

func (h *Handler) settingsChanged(t settings.Thresholds) {
	if h.live != nil {
		h.live.Refresh()
	}
	h.events.Publish(realtime.EventSettings, t)
}
