package audit

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/pkg/envelope"
	"github.com/ehr/ledger/pkg/pagination"
)

type Handler struct {
	trail *Trail
}

func NewHandler(trail *Trail) *Handler {
	return &Handler{trail: trail}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/trail/:resource", h.GetTrail)
}

// GetTrail serves the ordered history for one resource. The path parameter
// is "resourceType:resourceId", e.g. /audit/trail/patient:42.
func (h *Handler) GetTrail(c echo.Context) error {
	resourceType, resourceID, ok := strings.Cut(c.Param("resource"), ":")
	if !ok || resourceType == "" || resourceID == "" {
		return envelope.Error(c, http.StatusBadRequest, "resource must be of the form resourceType:resourceId")
	}

	events := h.trail.Trail(c.Request().Context(), resourceType, resourceID)

	pg := pagination.FromContext(c)
	start, end := pg.Slice(len(events))
	return envelope.List(c, http.StatusOK, events[start:end], len(events))
}
