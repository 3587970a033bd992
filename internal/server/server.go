// Package server is the thin JSON facade over the execution engine. The
// handlers decode, delegate, and encode; business rules live below.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/moznion/go-optional"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyon-lab/paper-broker/internal/engine"
	"github.com/halcyon-lab/paper-broker/internal/logger"
	"github.com/halcyon-lab/paper-broker/internal/types"
	"github.com/halcyon-lab/paper-broker/pkg/errors"
)

// Engine is the execution surface the server exposes.
type Engine interface {
	PlaceOrder(ctx context.Context, req types.OrderRequest) (engine.PlaceResult, error)
	ClosePosition(ctx context.Context, id string, opts engine.CloseOptions) (types.Position, error)
	CloseAll(ctx context.Context) ([]types.Position, error)
	PatchRiskTargets(ctx context.Context, id string, tp, sl optional.Option[decimal.Decimal]) (types.Position, error)
	OpenPositions(ctx context.Context) ([]types.Position, error)
}

// Accountant serves the equity snapshot read path.
type Accountant interface {
	ComputeEquitySnapshot(ctx context.Context) (types.EquitySnapshot, error)
}

type Server struct {
	engine     Engine
	accountant Accountant
	logger     *logger.Logger
	router     *mux.Router
	httpServer *http.Server
}

// New creates a Server with its routes registered.
func New(engine Engine, accountant Accountant, logger *logger.Logger) *Server {
	s := &Server{
		engine:     engine,
		accountant: accountant,
		logger:     logger,
		router:     mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/positions", s.handleOpenPositions).Methods(http.MethodGet)
	api.HandleFunc("/positions/close", s.handleCloseAll).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)
	api.HandleFunc("/positions/{id}/risk", s.handlePatchRiskTargets).Methods(http.MethodPatch)
	api.HandleFunc("/account", s.handleAccount).Methods(http.MethodGet)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.logger.Info("http server listening", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	return s.httpServer.Shutdown(ctx)
}

type placeOrderResponse struct {
	Position     types.Position `json:"position"`
	Deduplicated bool           `json:"deduplicated"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidOrder, "malformed order payload", err))

		return
	}

	result, err := s.engine.PlaceOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}

	s.writeJSON(w, status, placeOrderResponse{
		Position:     result.Position,
		Deduplicated: result.Deduplicated,
	})
}

type closeRequest struct {
	ExitPrice optional.Option[decimal.Decimal] `json:"exit_price"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req closeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, errors.Wrap(errors.ErrCodeInvalidParameter, "malformed close payload", err))

			return
		}
	}

	position, err := s.engine.ClosePosition(r.Context(), id, engine.CloseOptions{
		ExitPrice: req.ExitPrice,
		Reason:    types.CloseReasonUser,
	})
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	closed, err := s.engine.CloseAll(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"closed": closed})
}

type patchRiskRequest struct {
	TakeProfit optional.Option[decimal.Decimal] `json:"take_profit"`
	StopLoss   optional.Option[decimal.Decimal] `json:"stop_loss"`
}

func (s *Server) handlePatchRiskTargets(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req patchRiskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.Wrap(errors.ErrCodeInvalidParameter, "malformed risk payload", err))

		return
	}

	position, err := s.engine.PatchRiskTargets(r.Context(), id, req.TakeProfit, req.StopLoss)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, position)
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.OpenPositions(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	if positions == nil {
		positions = []types.Position{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.accountant.ComputeEquitySnapshot(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.writeJSON(w, http.StatusOK, snapshot)
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  errors.ErrorCode `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}

	s.writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

// statusFor maps the error taxonomy to HTTP statuses: validation 400, not
// found 404, closed-position conflicts 409, insufficient equity 422, missing
// market data 503.
func statusFor(code errors.ErrorCode) int {
	switch {
	case code >= 100 && code < 200:
		return http.StatusBadRequest
	case code == errors.ErrCodeNoMarketPrice, code == errors.ErrCodeFeedUnavailable:
		return http.StatusServiceUnavailable
	case code == errors.ErrCodeInsufficientEquity:
		return http.StatusUnprocessableEntity
	case code == errors.ErrCodePositionNotFound:
		return http.StatusNotFound
	case code == errors.ErrCodePositionClosed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
