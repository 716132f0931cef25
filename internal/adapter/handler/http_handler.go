package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/voucher-seckill/internal/adapter/storage"
	"github.com/rl1809/voucher-seckill/internal/core/domain"
	"github.com/rl1809/voucher-seckill/internal/core/service"
	"github.com/rl1809/voucher-seckill/internal/telemetry"
)

type HTTPHandler struct {
	orders   *service.OrderService
	vouchers *service.VoucherService
	shops    *service.ShopService
	auth     *Authenticator
	log      *logrus.Logger
}

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type SeckillHTTPResponse struct {
	OrderID int64 `json:"order_id,string"`
}

type PublishVoucherRequest struct {
	ShopID      int64     `json:"shop_id"`
	Title       string    `json:"title"`
	PayValue    int64     `json:"pay_value"`
	ActualValue int64     `json:"actual_value"`
	Stock       int       `json:"stock"`
	BeginTime   time.Time `json:"begin_time"`
	EndTime     time.Time `json:"end_time"`
}

func NewHTTPHandler(orders *service.OrderService, vouchers *service.VoucherService, shops *service.ShopService, auth *Authenticator, log *logrus.Logger) *HTTPHandler {
	return &HTTPHandler{
		orders:   orders,
		vouchers: vouchers,
		shops:    shops,
		auth:     auth,
		log:      log,
	}
}

func (h *HTTPHandler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HealthCheck)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)
		r.Post("/voucher-order/seckill/{id}", h.Seckill)
		r.Get("/shop/{id}", h.GetShop)
		r.Put("/shop", h.UpdateShop)
		r.Get("/voucher/{id}", h.GetVoucher)
		r.Post("/voucher/seckill", h.PublishVoucher)
	})
	return r
}

func (h *HTTPHandler) Seckill(w http.ResponseWriter, r *http.Request) {
	voucherID, ok := pathID(w, r)
	if !ok {
		return
	}

	orderID, err := h.orders.Seckill(r.Context(), voucherID)
	if err != nil {
		status, message := seckillError(err)
		writeJSON(w, status, Response{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: SeckillHTTPResponse{OrderID: orderID}})
}

// seckillError maps an OrderService error to a status and a message safe to
// show the requester.
func seckillError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusGone, "sold out"
	case errors.Is(err, service.ErrDuplicateOrder):
		return http.StatusConflict, "already ordered"
	case errors.Is(err, service.ErrNotStarted):
		return http.StatusTooEarly, "seckill not started"
	case errors.Is(err, service.ErrEnded):
		return http.StatusGone, "seckill ended"
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "login required"
	}
	return http.StatusServiceUnavailable, "please try again"
}

func (h *HTTPHandler) GetShop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	shop, err := h.shops.GetShop(r.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("shop_id", id).Error("get shop failed")
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Message: "please try again"})
		return
	}
	if shop == nil {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Message: "shop not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: shop})
}

func (h *HTTPHandler) UpdateShop(w http.ResponseWriter, r *http.Request) {
	var shop domain.Shop
	if err := json.NewDecoder(r.Body).Decode(&shop); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid request body"})
		return
	}

	err := h.shops.UpdateShop(r.Context(), shop)
	switch {
	case errors.Is(err, service.ErrInvalidShop):
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "shop id is required"})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, Response{Success: false, Message: "shop not found"})
	case err != nil:
		h.log.WithError(err).WithField("shop_id", shop.ID).Error("update shop failed")
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Message: "please try again"})
	default:
		writeJSON(w, http.StatusOK, Response{Success: true})
	}
}

func (h *HTTPHandler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	v, err := h.vouchers.GetVoucher(r.Context(), id)
	if err != nil {
		h.log.WithError(err).WithField("voucher_id", id).Error("get voucher failed")
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Message: "please try again"})
		return
	}
	if v == nil {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Message: "voucher not found"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: v})
}

func (h *HTTPHandler) PublishVoucher(w http.ResponseWriter, r *http.Request) {
	var req PublishVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid request body"})
		return
	}

	v := &domain.Voucher{
		ShopID:      req.ShopID,
		Title:       req.Title,
		PayValue:    req.PayValue,
		ActualValue: req.ActualValue,
		Stock:       req.Stock,
		BeginTime:   req.BeginTime,
		EndTime:     req.EndTime,
	}
	err := h.vouchers.Publish(r.Context(), v)
	if errors.Is(err, service.ErrInvalidVoucher) {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid voucher"})
		return
	}
	if err != nil {
		h.log.WithError(err).Error("publish voucher failed")
		writeJSON(w, http.StatusServiceUnavailable, Response{Success: false, Message: "please try again"})
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: v})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Message: "invalid id"})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
