package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	apierrors "github.com/framehaus/server/internal/errors"
	"github.com/framehaus/server/internal/logger"
	"github.com/framehaus/server/internal/storage"
	"github.com/framehaus/server/internal/uploads"
	"github.com/framehaus/server/pkg/responders"

	"github.com/go-chi/chi/v5"
)

type presignRequest struct {
	EventID       string `json:"eventId"`
	Filename      string `json:"filename"`
	ContentType   string `json:"contentType"`
	ContentLength int64  `json:"contentLength"`
	Source        string `json:"source,omitempty"`
}

type presignResponse struct {
	UploadID        string            `json:"uploadId"`
	PutURL          string            `json:"putUrl"`
	ObjectKey       string            `json:"objectKey"`
	ExpiresAt       string            `json:"expiresAt"`
	RequiredHeaders map[string]string `json:"requiredHeaders"`
	CreditCost      int64             `json:"creditCost"`
}

func (h *handlers) createPresign(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req presignRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.Write(w, apierrors.CodeBadRequest, "invalid request body")
		return
	}
	if req.EventID == "" || req.ContentType == "" || req.ContentLength <= 0 {
		apierrors.Write(w, apierrors.CodeBadRequest, "eventId, contentType and contentLength are required")
		return
	}

	result, err := h.uploads.CreatePresign(r.Context(), uploads.PresignRequest{
		PhotographerID: photographerID(r),
		EventID:        req.EventID,
		Filename:       req.Filename,
		ContentType:    req.ContentType,
		ContentLength:  req.ContentLength,
	})
	if err != nil {
		log.Warn().Err(err).Str("event_id", req.EventID).Msg("uploads.presign.rejected")
		writeUploadError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, toPresignResponse(result))
}

func (h *handlers) represign(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	result, err := h.uploads.Represign(r.Context(), intentID, photographerID(r))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, toPresignResponse(result))
}

type settleResponse struct {
	Intent     uploads.UploadIntent `json:"intent"`
	PhotoID    string               `json:"photoId"`
	NewBalance int64                `json:"newBalance"`
	Replayed   bool                 `json:"replayed"`
}

// settleUpload is the client-driven settlement path, used when the storage
// event bus is delayed and the client knows its PUT has finished.
func (h *handlers) settleUpload(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	result, err := h.uploads.Settle(r.Context(), intentID, photographerID(r))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, settleResponse{
		Intent:     result.Intent,
		PhotoID:    result.PhotoID,
		NewBalance: result.NewBalance,
		Replayed:   result.Replayed,
	})
}

func (h *handlers) cancelUpload(w http.ResponseWriter, r *http.Request) {
	intentID := chi.URLParam(r, "id")

	intent, err := h.uploads.Cancel(r.Context(), intentID, photographerID(r))
	if err != nil {
		writeUploadError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"intent": intent})
}

func (h *handlers) uploadStatuses(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		apierrors.Write(w, apierrors.CodeBadRequest, "ids query parameter is required")
		return
	}
	ids := strings.Split(raw, ",")
	for i := range ids {
		ids[i] = strings.TrimSpace(ids[i])
	}

	intents, err := h.uploads.Statuses(r.Context(), photographerID(r), ids)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"uploads": intents})
}

func (h *handlers) listEventUploads(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventId")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	intents, err := h.uploads.ListForEvent(r.Context(), photographerID(r), eventID, limit)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{"uploads": intents})
}

func toPresignResponse(result uploads.PresignResult) presignResponse {
	return presignResponse{
		UploadID:        result.Intent.ID,
		PutURL:          result.Upload.URL,
		ObjectKey:       result.Intent.ObjectKey,
		ExpiresAt:       result.Upload.ExpiresAt.Format(timeFormat),
		RequiredHeaders: result.Upload.Headers,
		CreditCost:      result.Intent.CreditCost,
	}
}

// writeUploadError maps upload service errors onto the API error envelope.
func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, uploads.ErrUnsupportedContentType):
		apierrors.Write(w, apierrors.CodeUnprocessable, "content type is not allowed")
	case errors.Is(err, uploads.ErrContentTooLarge):
		apierrors.Write(w, apierrors.CodeUnprocessable, "content length exceeds the maximum")
	case errors.Is(err, uploads.ErrEventExpired):
		apierrors.Write(w, apierrors.CodeGone, "event has expired")
	case errors.Is(err, uploads.ErrInsufficientCredits):
		apierrors.Write(w, apierrors.CodePaymentRequired, "not enough credits")
	case errors.Is(err, uploads.ErrNotOwner):
		apierrors.Write(w, apierrors.CodeForbidden, "upload belongs to another account")
	case errors.Is(err, uploads.ErrObjectMissing):
		apierrors.Write(w, apierrors.CodeConflict, "object has not been uploaded yet")
	case errors.Is(err, uploads.ErrObjectMismatch):
		apierrors.Write(w, apierrors.CodeUnprocessable, "stored object does not match the upload declaration")
	case errors.Is(err, storage.ErrNotFound):
		apierrors.Write(w, apierrors.CodeNotFound, "upload not found")
	case errors.Is(err, storage.ErrConflict):
		apierrors.Write(w, apierrors.CodeConflict, "upload state does not allow this operation")
	default:
		apierrors.Write(w, apierrors.CodeInternalError, "internal error")
	}
}
