package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/response"
)

type AuditHandler struct {
	svc *services.AuditService
}

func NewAuditHandler(svc *services.AuditService) *AuditHandler {
	return &AuditHandler{svc: svc}
}

// GET /api/audit
func (h *AuditHandler) List(c *gin.Context) {
	page := parseIntQuery(c, "page", 1)
	per := parseIntQuery(c, "per_page", 50)

	filters := services.AuditFilters{
		RecordID:  strings.TrimSpace(c.Query("record_id")),
		Recipient: strings.TrimSpace(c.Query("recipient")),
	}

	if name := strings.ToLower(strings.TrimSpace(c.Query("kind"))); name != "" {
		kind, ok := gifts.ParseResultKind(name)
		if !ok {
			response.Error(c, errors.NewValidation("kind must be one of expired, claimed, sent"))
			return
		}
		filters.Kind = &kind
	}

	var err error
	if filters.Since, err = parseMillisQuery(c, "since"); err != nil {
		response.Error(c, err)
		return
	}
	if filters.Until, err = parseMillisQuery(c, "until"); err != nil {
		response.Error(c, err)
		return
	}

	logs, total, err := h.svc.List(requestContext(c), services.AuditListOptions{Page: page, PageSize: per, Filters: filters})
	if err != nil {
		response.Error(c, errors.ErrReadFailed.WithInternal(err))
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, logs, &response.Meta{Page: page, PerPage: per, Total: int(total)})
}
