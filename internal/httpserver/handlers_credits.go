package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/framehaus/server/internal/errors"
	"github.com/framehaus/server/internal/ledger"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/promo"
	"github.com/framehaus/server/internal/storage"
	stripesvc "github.com/framehaus/server/internal/stripe"
	"github.com/framehaus/server/pkg/responders"

	"github.com/go-chi/chi/v5"
)

type checkoutRequest struct {
	Amount    int64  `json:"amount"` // credits to purchase
	PromoCode string `json:"promoCode,omitempty"`
	Email     string `json:"email,omitempty"`
}

type checkoutResponse struct {
	CheckoutURL string                    `json:"checkoutUrl"`
	SessionID   string                    `json:"sessionId"`
	Preview     stripesvc.CheckoutPreview `json:"preview"`
}

func (h *handlers) createCheckout(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req checkoutRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		apierrors.Write(w, apierrors.CodeBadRequest, "amount must be positive")
		return
	}

	account := photographerID(r)
	preview, err := h.stripe.Preview(r.Context(), account, req.Amount, req.PromoCode)
	if err != nil {
		writePromoError(w, err)
		return
	}

	session, err := h.stripe.CreateCheckoutSession(r.Context(), stripesvc.CheckoutRequest{
		PhotographerID: account,
		CustomerEmail:  req.Email,
		Credits:        req.Amount,
		PromoCode:      req.PromoCode,
	})
	if err != nil {
		log.Error().Err(err).Int64("credits", req.Amount).Msg("credits.checkout.failed")
		writePromoError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, checkoutResponse{
		CheckoutURL: session.URL,
		SessionID:   session.SessionID,
		Preview:     preview,
	})
}

func (h *handlers) previewCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "invalid request body")
		return
	}

	preview, err := h.stripe.Preview(r.Context(), photographerID(r), req.Amount, req.PromoCode)
	if err != nil {
		writePromoError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, preview)
}

type purchaseStatusResponse struct {
	Fulfilled bool   `json:"fulfilled"`
	Credits   int64  `json:"credits,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// pollPurchase reports whether a checkout session's credits have landed.
// Clients poll this after the gateway redirect; fulfillment happens on the
// webhook, not the redirect.
func (h *handlers) pollPurchase(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	entry, err := h.ledger.GrantByCorrelation(r.Context(), storage.CorrStripeSession, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		responders.JSON(w, http.StatusOK, purchaseStatusResponse{Fulfilled: false})
		return
	}
	if err != nil {
		apierrors.Write(w, apierrors.CodeInternalError, "internal error")
		return
	}
	if entry.PhotographerID != photographerID(r) {
		apierrors.Write(w, apierrors.CodeForbidden, "session belongs to another account")
		return
	}

	resp := purchaseStatusResponse{Fulfilled: true, Credits: entry.Amount}
	if entry.ExpiresAt != nil {
		resp.ExpiresAt = entry.ExpiresAt.Format(timeFormat)
	}
	responders.JSON(w, http.StatusOK, resp)
}

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	detail, err := h.ledger.BalanceDetail(r.Context(), photographerID(r))
	if err != nil {
		apierrors.Write(w, apierrors.CodeInternalError, "internal error")
		return
	}
	responders.JSON(w, http.StatusOK, detail)
}

type historyEntry struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source,omitempty"`
	Amount    int64  `json:"amount"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"createdAt"`
}

func (h *handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.History(r.Context(), photographerID(r), limit)
	if err != nil {
		apierrors.Write(w, apierrors.CodeInternalError, "internal error")
		return
	}

	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{
			ID:        e.ID,
			Type:      string(e.Type),
			Source:    string(e.Source),
			Amount:    e.Amount,
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(timeFormat),
		}
		if e.ExpiresAt != nil {
			out[i].ExpiresAt = e.ExpiresAt.Format(timeFormat)
		}
	}
	responders.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

type redeemRequest struct {
	Code string `json:"code"`
}

type redeemResponse struct {
	Credits    int64  `json:"credits"`
	NewBalance int64  `json:"newBalance"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
	Replayed   bool   `json:"replayed"`
}

func (h *handlers) redeemGift(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		apierrors.Write(w, apierrors.CodeBadRequest, "code is required")
		return
	}

	redemption, err := h.promos.RedeemGift(r.Context(), req.Code, photographerID(r))
	if err != nil {
		writePromoError(w, err)
		return
	}

	resp := redeemResponse{
		Credits:    redemption.Entry.Amount,
		NewBalance: redemption.Balance,
		Replayed:   redemption.Replayed,
	}
	if redemption.Entry.ExpiresAt != nil {
		resp.ExpiresAt = redemption.Entry.ExpiresAt.Format(timeFormat)
	}
	responders.JSON(w, http.StatusOK, resp)
}

type adminAdjustRequest struct {
	PhotographerID string `json:"photographerId"`
	Credits        int64  `json:"credits"`
	OperationID    string `json:"operationId"`
	ExpiresAt      string `json:"expiresAt,omitempty"`
	Note           string `json:"note,omitempty"`
}

// adminAdjust grants compensation or correction credits. The operation ID
// is the idempotency anchor, so retried admin calls apply once.
func (h *handlers) adminAdjust(w http.ResponseWriter, r *http.Request) {
	var req adminAdjustRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "invalid request body")
		return
	}
	if req.PhotographerID == "" || req.OperationID == "" {
		apierrors.Write(w, apierrors.CodeBadRequest, "photographerId and operationId are required")
		return
	}
	if req.Credits <= 0 {
		apierrors.Write(w, apierrors.CodeBadRequest, "credits must be positive")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		parsed, err := time.Parse(timeFormat, req.ExpiresAt)
		if err != nil {
			apierrors.Write(w, apierrors.CodeBadRequest, "expiresAt must be RFC3339")
			return
		}
		expiresAt = &parsed
	}

	result, err := h.ledger.Grant(r.Context(), ledger.GrantRequest{
		PhotographerID:   req.PhotographerID,
		Source:           storage.SourceAdmin,
		Amount:           req.Credits,
		ExpiresAt:        expiresAt,
		CorrelationKind:  storage.CorrAdminOp,
		CorrelationValue: req.OperationID,
		Note:             req.Note,
	})
	if err != nil {
		apierrors.Write(w, apierrors.CodeInternalError, "internal error")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"entryId":  result.Entry.ID,
		"replayed": result.AlreadyGranted,
	})
}

// writePromoError maps promo and checkout errors onto the API envelope.
func writePromoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stripesvc.ErrInvalidCreditAmount):
		apierrors.Write(w, apierrors.CodeBadRequest, "credit amount out of bounds")
	case errors.Is(err, promo.ErrUnknownCode):
		apierrors.Write(w, apierrors.CodeNotFound, "unknown promo code")
	case errors.Is(err, promo.ErrInactive):
		apierrors.Write(w, apierrors.CodeGone, "promo code is not active")
	case errors.Is(err, promo.ErrExpired):
		apierrors.Write(w, apierrors.CodeGone, "promo code has expired")
	case errors.Is(err, promo.ErrNotEligible):
		apierrors.Write(w, apierrors.CodeForbidden, "promo code not available for this account")
	case errors.Is(err, promo.ErrGlobalCapReached), errors.Is(err, promo.ErrUserCapReached),
		errors.Is(err, promo.ErrAlreadyRedeemed):
		apierrors.Write(w, apierrors.CodeConflict, "promo code redemption limit reached")
	case errors.Is(err, promo.ErrWrongKind):
		apierrors.Write(w, apierrors.CodeUnprocessable, "promo code does not support this operation")
	default:
		apierrors.Write(w, apierrors.CodeBadGateway, "payment gateway unavailable")
	}
}
