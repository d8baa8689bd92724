package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/giftbox/internal/services"
	"github.com/charlesng35/giftbox/pkg/errors"
	"github.com/charlesng35/giftbox/pkg/response"
)

const defaultMailboxPageSize = 36

var (
	errClaimInProgress = errors.New("CLAIM_IN_PROGRESS", "Another claim is still being processed", http.StatusConflict)
	errGiftUnavailable = errors.New("GIFT_UNAVAILABLE", "Gift is no longer available", http.StatusNotFound)
	errGiftExpired     = errors.New("GIFT_EXPIRED", "Gift has expired", http.StatusGone)
	errInventoryFull   = errors.New("INVENTORY_FULL", "Inventory is full", http.StatusConflict)
)

// MailboxHandler serves the recipient's own mailbox.
type MailboxHandler struct {
	gifts     *services.GiftService
	claims    *services.ClaimCoordinator
	inventory *services.InventoryService
}

// NewMailboxHandler constructs a MailboxHandler.
func NewMailboxHandler(gifts *services.GiftService, claims *services.ClaimCoordinator, inventory *services.InventoryService) *MailboxHandler {
	return &MailboxHandler{gifts: gifts, claims: claims, inventory: inventory}
}

// GET /api/mailbox
func (h *MailboxHandler) List(c *gin.Context) {
	limit := parseIntQuery(c, "limit", defaultMailboxPageSize)
	records, err := h.gifts.ListGifts(requestContext(c), subject(c), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, records)
}

// GET /api/mailbox/count
func (h *MailboxHandler) Count(c *gin.Context) {
	count, err := h.gifts.CountGifts(requestContext(c), subject(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"count": count})
}

// POST /api/mailbox/:giftID/claim
func (h *MailboxHandler) Claim(c *gin.Context) {
	giftID := strings.TrimSpace(c.Param("giftID"))
	if giftID == "" {
		response.Error(c, errors.NewBadRequest("gift id is required"))
		return
	}

	result, err := h.claims.Claim(requestContext(c), subject(c), giftID)
	if err != nil {
		response.Error(c, err)
		return
	}

	switch result.Outcome {
	case services.ClaimDelivered:
		response.Success(c, http.StatusOK, result)
	case services.ClaimBusy:
		response.Error(c, errClaimInProgress)
	case services.ClaimExpired:
		response.Error(c, errGiftExpired)
	case services.ClaimNoCapacity:
		response.Error(c, errInventoryFull)
	default:
		response.Error(c, errGiftUnavailable)
	}
}

// POST /api/mailbox/claim-all
func (h *MailboxHandler) ClaimAll(c *gin.Context) {
	result, err := h.claims.ClaimAll(requestContext(c), subject(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	switch result.Outcome {
	case services.ClaimBusy:
		response.Error(c, errClaimInProgress)
	case services.ClaimNoCapacity:
		response.Error(c, errInventoryFull)
	case services.ClaimFailed:
		response.Error(c, errors.ErrWriteFailed.WithMessage("No gifts could be delivered"))
	default:
		response.Success(c, http.StatusOK, result)
	}
}

// GET /api/inventory
func (h *MailboxHandler) Inventory(c *gin.Context) {
	items, err := h.inventory.List(requestContext(c), subject(c))
	if err != nil {
		response.Error(c, errors.ErrReadFailed.WithInternal(err))
		return
	}
	response.Success(c, http.StatusOK, items)
}
