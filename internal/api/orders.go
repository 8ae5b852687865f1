package api

import (
	"encoding/json"
	"net/http"

	"github.com/campuseats/ordering/internal/domain"
	"github.com/campuseats/ordering/internal/models"
	"github.com/gorilla/mux"
)

// CreateOrderHandler accepts an optional Idempotency-Key. A replay with the
// same key and body returns the original order with 200.
func (h *Handler) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	body, reqHash, err := readBody(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Stream read error")
		return
	}

	var req models.CreateOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	idem := models.Idempotency{Key: r.Header.Get("Idempotency-Key"), RequestHash: reqHash}
	resp, err := h.svc.Orders.Create(r.Context(), req, idem)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	if resp.Replayed {
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Location", "/orders/"+resp.Order.ID)
	respondWithJSON(w, http.StatusCreated, resp)
}

func (h *Handler) PreviewOrderHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	preview, err := h.svc.Orders.Preview(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, preview)
}

func (h *Handler) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := h.svc.Orders.Get(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) GetPromotionCostHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cost, err := h.svc.Orders.PromotionCost(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if cost == nil {
		respondWithError(w, http.StatusNotFound, "No promotion applied")
		return
	}
	respondWithJSON(w, http.StatusOK, cost)
}

func (h *Handler) ListCallsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	calls, err := h.svc.Calls.ListCalls(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, calls)
}

func (h *Handler) POSStatusHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status, err := h.svc.POS.OrderStatus(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"order_id": vars["id"], "pos_status": status})
}

func (h *Handler) AcceptOrderHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := h.svc.Orders.Accept(r.Context(), vars["orderID"], vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) RejectOrderHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req models.TransitionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.respondWithServiceError(w, r, err)
			return
		}
	}
	order, err := h.svc.Orders.Reject(r.Context(), vars["orderID"], vars["id"], req.Reason)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) CompleteOrderHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	order, err := h.svc.Orders.Complete(r.Context(), vars["orderID"], vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) RetryCallHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	call, err := h.svc.Calls.Retry(r.Context(), vars["orderID"], vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, call)
}

func (h *Handler) CreateRestaurantHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRestaurantRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	rest, err := h.svc.Restaurants.Create(r.Context(), req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/restaurants/"+rest.ID)
	respondWithJSON(w, http.StatusCreated, rest)
}

func (h *Handler) GetRestaurantHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rest, err := h.svc.Restaurants.Get(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rest)
}

func (h *Handler) ListRestaurantOrdersHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	status := domain.OrderStatus(r.URL.Query().Get("status"))
	orders, err := h.svc.Orders.ListByRestaurant(r.Context(), vars["id"], status)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *Handler) GetPromotionsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cfg, err := h.svc.Restaurants.Promotions(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

func (h *Handler) PutPromotionsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req models.PromotionConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	cfg, err := h.svc.Restaurants.SetPromotions(r.Context(), vars["id"], req)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, cfg)
}

func (h *Handler) SyncMenuHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := h.svc.POS.SyncMenu(r.Context(), vars["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}
