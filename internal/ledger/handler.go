package ledger

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/pkg/envelope"
)

// Handler exposes the ledger connection status to operators.
type Handler struct {
	inv     Invoker
	channel string
}

func NewHandler(inv Invoker, channel string) *Handler {
	return &Handler{inv: inv, channel: channel}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ledger/status", h.Status)
}

func (h *Handler) Status(c echo.Context) error {
	av := h.inv.Availability()
	state := "offline"
	if av.Connected {
		state = "online"
	}
	return envelope.OK(c, http.StatusOK, map[string]interface{}{
		"connected": av.Connected,
		"lastError": av.LastError,
		"channel":   h.channel,
		"status":    state,
	})
}
