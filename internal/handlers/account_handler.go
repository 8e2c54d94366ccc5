package handlers

import (
	"net/http"

	"github.com/banquesolidaire/ledger/internal/models"
	"github.com/banquesolidaire/ledger/internal/services"
)

type AccountHandler struct {
	ledger    *services.LedgerService
	transfers *services.TransferService
}

func NewAccountHandler(ledger *services.LedgerService, transfers *services.TransferService) *AccountHandler {
	return &AccountHandler{ledger: ledger, transfers: transfers}
}

// OpenAccount registers a new account. Credentials are handled by the
// identity provider that issues bearer tokens, not here.
func (h *AccountHandler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	var req services.OpenAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == models.RoleApprover {
		services.SendErrorResponse(w, "Approver accounts cannot be self-registered", http.StatusForbidden, nil)
		return
	}

	account, err := h.ledger.OpenAccount(r.Context(), req)
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"account": account,
	})
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	accountID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if !h.canRead(r, actor, accountID) {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	balance, err := h.transfers.GetAccountBalance(r.Context(), accountID)
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

func (h *AccountHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	accountID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if !h.canRead(r, actor, accountID) {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	entries, err := h.ledger.Statement(r.Context(), accountID, limitParam(r))
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accountId": accountID,
		"entries":   entries,
	})
}

// CreditAccount injects value into an account on behalf of an approver.
func (h *AccountHandler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	accountID, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Amount int64 `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	credit, err := h.transfers.CreditAccount(r.Context(), actor, accountID, req.Amount)
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"credit":  credit,
	})
}

func (h *AccountHandler) ListCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if !h.transfers.CanApprove(r.Context(), actor) {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	credits, err := h.ledger.Credits(r.Context(), limitParam(r))
	if err != nil {
		services.WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"credits": credits})
}

func (h *AccountHandler) canRead(r *http.Request, actor, accountID int64) bool {
	return actor == accountID || h.transfers.CanApprove(r.Context(), actor)
}
