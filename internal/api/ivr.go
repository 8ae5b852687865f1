package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/campuseats/ordering/internal/models"
	"github.com/campuseats/ordering/internal/payments"
	"github.com/campuseats/ordering/internal/telephony"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const msgIVRError = "Sorry, we could not process this call. Please use the restaurant dashboard. Goodbye."

// ivrError keeps the caller on a well-formed voice document whatever the
// failure.
func (h *Handler) ivrError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("ivr request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	respondWithXML(w, code, telephony.Message(msgIVRError))
}

func (h *Handler) IVRScriptHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	r.ParseForm()
	doc, err := h.svc.Calls.Script(r.Context(), vars["id"], r.FormValue("CallSid"))
	if err != nil {
		h.ivrError(w, r, err)
		return
	}
	respondWithXML(w, http.StatusOK, doc)
}

func (h *Handler) IVRResponseHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := r.ParseForm(); err != nil {
		respondWithXML(w, http.StatusBadRequest, telephony.Message(msgIVRError))
		return
	}
	doc, err := h.svc.Calls.HandleDigit(r.Context(), vars["id"], r.FormValue("CallSid"), r.FormValue("Digits"))
	if err != nil {
		h.ivrError(w, r, err)
		return
	}
	respondWithXML(w, http.StatusOK, doc)
}

func (h *Handler) IVRTimeoutHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	r.ParseForm()
	doc, err := h.svc.Calls.Timeout(r.Context(), vars["id"], r.FormValue("CallSid"))
	if err != nil {
		h.ivrError(w, r, err)
		return
	}
	respondWithXML(w, http.StatusOK, doc)
}

// CallStatusHandler receives the provider's asynchronous status events.
func (h *Handler) CallStatusHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed form body")
		return
	}
	update := models.CallStatusUpdate{
		CallSID:         r.FormValue("CallSid"),
		Status:          r.FormValue("CallStatus"),
		DurationSeconds: -1,
	}
	if d := r.FormValue("CallDuration"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid CallDuration")
			return
		}
		update.DurationSeconds = n
	}
	call, err := h.svc.Calls.StatusCallback(r.Context(), update)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if call == nil {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	respondWithJSON(w, http.StatusOK, call)
}

func (h *Handler) PurchaseHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req models.PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	resp, err := h.svc.Accounts.Purchase(r.Context(), vars["id"], req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}

// PaymentWebhookHandler verifies the processor's signature before anything
// is parsed.
func (h *Handler) PaymentWebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, _, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}
	if !payments.Verify(h.webhookSecret, body, r.Header.Get(payments.SignatureHeader)) {
		h.logger.Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var ev payments.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	resp, err := h.svc.Accounts.ApplyWebhook(r.Context(), ev)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if resp == nil {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}
