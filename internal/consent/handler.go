package consent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/internal/audit"
	"github.com/ehr/ledger/internal/audited"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/pkg/envelope"
	"github.com/ehr/ledger/pkg/pagination"
)

type Handler struct {
	registry *Registry
	runner   *audited.Runner
}

func NewHandler(registry *Registry, runner *audited.Runner) *Handler {
	return &Handler{registry: registry, runner: runner}
}

// RegisterRoutes wires the consent endpoints. Mutations go on the write
// group so the caller can attach principal-required middleware.
func (h *Handler) RegisterRoutes(read, write *echo.Group) {
	write.POST("/consent/grant", h.Grant)
	write.POST("/consent/:id/revoke", h.Revoke)
	read.GET("/consent/check", h.Check)
	read.GET("/consent/history/:subjectId", h.History)
	read.GET("/consent/provider/:principalId", h.ActiveForPrincipal)
}

func (h *Handler) Grant(c echo.Context) error {
	var in GrantInput
	if err := c.Bind(&in); err != nil {
		return envelope.Error(c, http.StatusBadRequest, "malformed request body")
	}
	in.IssuedBy = auth.PrincipalID(c)

	event := audit.EventInput{
		PrincipalID:  in.IssuedBy,
		Action:       audit.ActionGrantConsent,
		ResourceType: "consent",
		ResourceID:   fmt.Sprintf("patient:%s:provider:%s", in.SubjectID, in.PrincipalID),
	}

	grant, err := audited.Do(c.Request().Context(), h.runner, event, func(ctx context.Context) (*Grant, error) {
		return h.registry.Grant(ctx, in)
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return envelope.Error(c, http.StatusBadRequest, ve.Error())
		}
		return envelope.Error(c, http.StatusInternalServerError, "failed to grant consent")
	}

	return envelope.OKMessage(c, http.StatusCreated, "Consent granted successfully", grant)
}

func (h *Handler) Revoke(c echo.Context) error {
	consentID := c.Param("id")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return envelope.Error(c, http.StatusBadRequest, "malformed request body")
	}
	principal := auth.PrincipalID(c)

	event := audit.EventInput{
		PrincipalID:  principal,
		Action:       audit.ActionRevokeConsent,
		ResourceType: "consent",
		ResourceID:   consentID,
	}

	grant, err := audited.Do(c.Request().Context(), h.runner, event, func(ctx context.Context) (*Grant, error) {
		return h.registry.Revoke(ctx, consentID, body.Reason, principal)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return envelope.Error(c, http.StatusNotFound, "consent not found")
		case errors.Is(err, ErrAlreadyRevoked):
			return envelope.Error(c, http.StatusConflict, "consent already revoked")
		case errors.Is(err, ErrExpired):
			return envelope.Error(c, http.StatusConflict, "consent expired")
		}
		return envelope.Error(c, http.StatusInternalServerError, "failed to revoke consent")
	}

	return envelope.OKMessage(c, http.StatusOK, "Consent revoked successfully", grant)
}

func (h *Handler) Check(c echo.Context) error {
	subjectID := c.QueryParam("subjectId")
	principalID := c.QueryParam("principalId")
	dataType := c.QueryParam("dataType")
	if subjectID == "" || principalID == "" || dataType == "" {
		return envelope.Error(c, http.StatusBadRequest, "subjectId, principalId, and dataType are required")
	}

	decision := h.registry.Check(c.Request().Context(), subjectID, principalID, dataType)
	return envelope.OK(c, http.StatusOK, decision)
}

func (h *Handler) History(c echo.Context) error {
	grants := h.registry.History(c.Request().Context(), c.Param("subjectId"))

	pg := pagination.FromContext(c)
	start, end := pg.Slice(len(grants))
	return envelope.List(c, http.StatusOK, grants[start:end], len(grants))
}

func (h *Handler) ActiveForPrincipal(c echo.Context) error {
	grants := h.registry.ActiveForPrincipal(c.Request().Context(), c.Param("principalId"))
	return envelope.List(c, http.StatusOK, grants, len(grants))
}
