package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	iauth "github.com/charlesng35/giftbox/internal/auth"
	"github.com/charlesng35/giftbox/internal/gifts"
	"github.com/charlesng35/giftbox/internal/middleware"
	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/response"
)

// GiftHandler accepts deposits from senders.
type GiftHandler struct {
	svc *services.GiftService
}

// NewGiftHandler constructs a GiftHandler.
func NewGiftHandler(svc *services.GiftService) *GiftHandler {
	return &GiftHandler{svc: svc}
}

type depositItemRequest struct {
	Type       string            `json:"type" validate:"required,notblank,max=64,itemtype"`
	Name       string            `json:"name" validate:"max=128"`
	Attributes map[string]string `json:"attributes"`
	Quantity   int               `json:"quantity" validate:"min=1"`
}

type depositRequest struct {
	Recipient  string             `json:"recipient" validate:"required,notblank,max=64"`
	Item       depositItemRequest `json:"item"`
	Origin     string             `json:"origin" validate:"required,notblank,trimmedmax=100"`
	TTLSeconds *int64             `json:"ttl_seconds" validate:"omitempty,min=-1"`
}

// POST /api/gifts
func (h *GiftHandler) Deposit(c *gin.Context) {
	var req depositRequest
	if !bindAndValidate(c, &req) {
		return
	}

	ttl := gifts.NeverExpires
	if req.TTLSeconds != nil {
		ttl = *req.TTLSeconds
	}
	if ttl != gifts.NeverExpires {
		claims, _ := middleware.ClaimsFromContext(c)
		if !claims.HasPermission(iauth.PermissionDepositExpire) {
			response.Error(c, errors.ErrForbidden.WithMessage("depositing gifts with an expiry requires "+iauth.PermissionDepositExpire))
			return
		}
	}

	record, err := h.svc.Deposit(requestContext(c), services.DepositInput{
		Recipient: req.Recipient,
		Item: gifts.Item{
			Type:       req.Item.Type,
			Name:       req.Item.Name,
			Attributes: req.Item.Attributes,
			Quantity:   req.Item.Quantity,
		},
		Origin:     req.Origin,
		TTLSeconds: ttl,
		Sender:     subject(c),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, record)
}
