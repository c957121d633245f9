package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chatbridge/internal/core"
)

// APIHandlers serves the diagnostics endpoints.
type APIHandlers struct {
	hub *core.Hub
	log *zerolog.Logger
}

// NewAPIHandlers creates a new API handlers instance.
func NewAPIHandlers(hub *core.Hub, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{hub: hub, log: logger}
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// IdentitiesResponse lists identity snapshots.
type IdentitiesResponse struct {
	Identities []core.Info `json:"identities"`
}

// application returns the application a request is scoped to: the token's
// when authenticated, otherwise the optional applicationId query parameter.
func application(c *gin.Context) string {
	if app := c.GetString(ContextKeyApplicationID); app != "" {
		return app
	}
	return c.Query("applicationId")
}

// ListIdentities reports every identity of the caller's application.
// GET /api/identities
func (h *APIHandlers) ListIdentities(c *gin.Context) {
	app := application(c)
	all := h.hub.Identities()

	out := make([]core.Info, 0, len(all))
	for _, info := range all {
		if app == "" || info.ApplicationID == app {
			out = append(out, info)
		}
	}
	c.JSON(http.StatusOK, IdentitiesResponse{Identities: out})
}

// GetIdentity reports one identity.
// GET /api/identities/:id
func (h *APIHandlers) GetIdentity(c *gin.Context) {
	app := application(c)
	if app == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "applicationId is required"})
		return
	}

	ident, ok := h.hub.Identity(app, c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "identity not found"})
		return
	}
	c.JSON(http.StatusOK, ident.Info())
}
