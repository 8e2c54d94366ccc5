package handlers

import (
	"net/http"

	"github.com/banquesolidaire/ledger/internal/services"
)

type AdminHandler struct {
	reconciler *services.Reconciler
	transfers  *services.TransferService
}

func NewAdminHandler(reconciler *services.Reconciler, transfers *services.TransferService) *AdminHandler {
	return &AdminHandler{reconciler: reconciler, transfers: transfers}
}

// Reconciliation runs a conservation check on demand.
func (h *AdminHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}
	if !h.transfers.CanApprove(r.Context(), actor) {
		services.SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
		return
	}

	report, err := h.reconciler.Check(r.Context())
	if err != nil {
		services.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
