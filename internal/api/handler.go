// Package api serves the pooling operations over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"AgriPool/internal/metrics"
	"AgriPool/internal/model"
	"AgriPool/internal/service"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PoolService is what the handlers need from the service layer.
type PoolService interface {
	StartMatch(ctx context.Context, in service.StartMatchInput) (model.Pool, error)
	FindCandidates(ctx context.Context, q service.CandidateQuery) ([]model.PoolSummary, error)
	GetPool(ctx context.Context, poolID string) (model.PoolDetail, error)
	Join(ctx context.Context, poolID, farmerID string, amount decimal.Decimal) (model.Pool, error)
	Quit(ctx context.Context, poolID, farmerID string) (model.Pool, error)
	GetResult(ctx context.Context, poolID string) (model.PoolResult, error)
	Cancel(ctx context.Context, poolID string) (model.Pool, error)
	Convert(ctx context.Context, poolID string) (model.Application, error)
	Events(ctx context.Context, poolID string) ([]model.PoolEvent, error)
}

type handler struct {
	svc PoolService
	log *zap.Logger
}

// NewRouter builds the HTTP routes. A nil limiter disables rate limiting.
func NewRouter(svc PoolService, limiter *RateLimiter, log *zap.Logger) *mux.Router {
	h := &handler{svc: svc, log: log}

	r := mux.NewRouter()
	r.Use(metrics.InstrumentHandler)
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1/pools").Subrouter()
	if limiter != nil {
		v1.Use(limiter.Handler)
	}
	v1.HandleFunc("", h.startMatch).Methods(http.MethodPost)
	v1.HandleFunc("/candidates", h.findCandidates).Methods(http.MethodGet)
	v1.HandleFunc("/{id}", h.getPool).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/join", h.join).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/quit", h.quit).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/result", h.result).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/events", h.events).Methods(http.MethodGet)
	v1.HandleFunc("/{id}/cancel", h.cancel).Methods(http.MethodPost)
	v1.HandleFunc("/{id}/convert", h.convert).Methods(http.MethodPost)
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) startMatch(w http.ResponseWriter, r *http.Request) {
	var in service.StartMatchInput
	if !h.decode(w, r, &in) {
		return
	}
	p, err := h.svc.StartMatch(r.Context(), in)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

func (h *handler) findCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		writeBadRequest(w, "amount must be a decimal number")
		return
	}
	offset, ok := intParam(w, q.Get("offset"), "offset")
	if !ok {
		return
	}
	limit, ok := intParam(w, q.Get("limit"), "limit")
	if !ok {
		return
	}

	pools, err := h.svc.FindCandidates(r.Context(), service.CandidateQuery{
		Amount:   amount,
		CropType: q.Get("cropType"),
		Region:   q.Get("region"),
		Offset:   offset,
		Limit:    limit,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"pools": pools})
}

func (h *handler) getPool(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

type joinRequest struct {
	FarmerID string          `json:"farmerId"`
	Amount   decimal.Decimal `json:"amount"`
}

func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.Join(r.Context(), mux.Vars(r)["id"], req.FarmerID, req.Amount)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

type quitRequest struct {
	FarmerID string `json:"farmerId"`
}

func (h *handler) quit(w http.ResponseWriter, r *http.Request) {
	var req quitRequest
	if !h.decode(w, r, &req) {
		return
	}
	p, err := h.svc.Quit(r.Context(), mux.Vars(r)["id"], req.FarmerID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (h *handler) result(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.GetResult(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.Events(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	if events == nil {
		events = []model.PoolEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	h.log.Info("pool cancelled by operator", zap.String("pool_id", p.ID), zap.String("remote", r.RemoteAddr))
	WriteJSON(w, http.StatusOK, p)
}

func (h *handler) convert(w http.ResponseWriter, r *http.Request) {
	app, err := h.svc.Convert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, app)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.log.Debug("undecodable request body", zap.String("path", r.URL.Path), zap.Error(err))
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeBadRequest(w, name+" must be an integer")
		return 0, false
	}
	return n, true
}
