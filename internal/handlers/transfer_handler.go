package handlers

import (
	"net/http"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/banquesolidaire/ledger/internal/services"
)

const idempotencyHeader = "Idempotency-Key"

type TransferHandler struct {
	transfers *services.TransferService
}

func NewTransferHandler(transfers *services.TransferService) *TransferHandler {
	return &TransferHandler{transfers: transfers}
}

// SubmitTransfer sends value from the caller to another account.
func (h *TransferHandler) SubmitTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}

	var req services.SubmitTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.SenderID = actor
	req.IdempotencyKey = r.Header.Get(idempotencyHeader)

	transfer, err := h.transfers.Submit(r.Context(), req)
	if err != nil {
		services.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if transfer.Status == models.TransferStatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"success":  true,
		"transfer": transfer,
	})
}

func (h *TransferHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if !h.transfers.CanApprove(r.Context(), actor) {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	pending, err := h.transfers.ListPending(r.Context())
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transfers": pending})
}

func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	transferID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	transfer, err := h.transfers.Get(r.Context(), transferID)
	if err != nil {
		services.WriteError(w, err)
		return
	}
	// Hide existence from unrelated callers.
	if !h.transfers.CanView(r.Context(), actor, transfer) {
		services.WriteError(w, models.ErrTransferNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"transfer": transfer})
}

// ResolveTransfer approves or rejects a pending transfer.
func (h *TransferHandler) ResolveTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	transferID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Decision models.Decision `json:"decision"`
		Reason   string          `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	transfer, err := h.transfers.Resolve(r.Context(), transferID, actor, req.Decision, req.Reason)
	if err != nil && transfer != nil {
		// Approval turned into a rejection: report both.
		writeJSON(w, services.StatusCode(err), map[string]any{
			"success":  false,
			"error":    err.Error(),
			"code":     models.ErrorCode(err),
			"transfer": transfer,
		})
		return
	}
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"transfer": transfer,
	})
}
