package api

import (
	"net/http"

	"github.com/campuseats/ordering/internal/models"
	"github.com/gorilla/mux"
)

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	acc, err := h.svc.Accounts.Create(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/accounts/"+acc.ID)
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	acc, err := h.svc.Accounts.Get(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entries, err := h.svc.Accounts.Entries(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) ListAccountOrdersHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	orders, err := h.svc.Orders.ListByAccount(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *Handler) AdminCreditHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req models.CreditRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	entry, err := h.svc.Accounts.AdminCredit(r.Context(), vars["id"], req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, entry)
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rec, err := h.svc.Accounts.Reconcile(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

func (h *Handler) RefundHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req models.RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	order, err := h.svc.Orders.Refund(r.Context(), vars["id"], req.Reason)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}
