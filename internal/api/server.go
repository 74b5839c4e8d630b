// Package api exposes the minimal operational HTTP surface: health,
// readiness, and the create/status/cancel endpoints sketched in §6. The
// upstream collaborator that fronts end users is out of scope; this surface
// exists for operators and integration tests to drive the core directly.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/obscuranet/mixcore/internal/currency"
	"github.com/obscuranet/mixcore/internal/mixcoordinator"
	"github.com/obscuranet/mixcore/internal/mixerr"
	"github.com/obscuranet/mixcore/internal/mixtypes"
	"github.com/obscuranet/mixcore/pkg/logger"
)

// Server wraps the HTTP surface around a Coordinator.
type Server struct {
	coordinator *mixcoordinator.Coordinator
	log         *logger.Logger
	router      *mux.Router
	ready       func() bool
}

// New builds a Server and registers its routes. ready reports whether the
// process should be considered ready to serve traffic (e.g. scheduler
// started, store reachable).
func New(coordinator *mixcoordinator.Coordinator, log *logger.Logger, ready func() bool) *Server {
	s := &Server{coordinator: coordinator, log: log, router: mux.NewRouter(), ready: ready}
	s.routes()
	return s
}

// Router exposes the underlying mux.Router so callers can mount additional
// middleware (e.g. metrics) before serving it.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) routes() {
	s.router.Use(recoveryMiddleware(s.log))
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/mixes", s.handleCreate).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/mixes/{token}", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/mixes/{token}", s.handleCancel).Methods(http.MethodDelete)
}

func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithField("path", r.URL.Path).Error("panic recovered in http handler")
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
}

type createOutputRequest struct {
	Address     string `json:"address"`
	BasisPoints int64  `json:"basis_points"`
}

type createMixRequestBody struct {
	Currency       string                `json:"currency"`
	InputAmount    string                `json:"input_amount"`
	Outputs        []createOutputRequest `json:"outputs"`
	AnonymityLevel string                `json:"anonymity_level"`
	Algorithm      string                `json:"algorithm,omitempty"`
}

type createMixResponse struct {
	SessionToken   string    `json:"session_token"`
	DepositAddress string    `json:"deposit_address"`
	Fee            string    `json:"fee"`
	TotalAmount    string    `json:"total_amount"`
	ExpiresAt      time.Time `json:"expires_at"`
	Phases         []string  `json:"phases"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createMixRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, mixerr.New(mixerr.KindValidation, "api.create", "malformed request body"))
		return
	}

	code := currency.Code(body.Currency)
	amount, err := currency.ParseAmount(code, body.InputAmount)
	if err != nil {
		writeError(w, err)
		return
	}

	outputs := make([]mixtypes.Output, len(body.Outputs))
	for i, o := range body.Outputs {
		outputs[i] = mixtypes.Output{Address: o.Address, BasisPoints: o.BasisPoints}
	}

	result, err := s.coordinator.CreateRequest(r.Context(), mixcoordinator.CreateParams{
		Currency:       code,
		InputAmount:    amount,
		Outputs:        outputs,
		AnonymityLevel: mixtypes.AnonymityLevel(body.AnonymityLevel),
		Algorithm:      mixtypes.Algorithm(body.Algorithm),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createMixResponse{
		SessionToken:   result.SessionToken,
		DepositAddress: result.DepositAddress,
		Fee:            result.Fee.String(),
		TotalAmount:    result.NetAmount.String(),
		ExpiresAt:      result.ExpiresAt,
		Phases:         result.Phases,
	})
}

type statusResponse struct {
	Status          string   `json:"status"`
	CurrentPhase    string   `json:"current_phase"`
	Progress        float64  `json:"progress"`
	Confirmations   int      `json:"confirmations"`
	RequiredConfirm int      `json:"required_confirmations"`
	AnonymityScore  float64  `json:"anonymity_score"`
	TxHashes        []string `json:"tx_hashes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	view, err := s.coordinator.GetStatus(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:          string(view.Status),
		CurrentPhase:    view.CurrentPhase,
		Progress:        view.Progress,
		Confirmations:   view.Confirmations,
		RequiredConfirm: view.RequiredConfirm,
		AnonymityScore:  view.AnonymityScore,
		TxHashes:        view.TxHashes,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	if err := s.coordinator.Cancel(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "cancelled"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError never surfaces an internal error's raw message to the caller
// beyond its classification, per §7 rule 4 — the response carries only a
// fixed message. writeError itself does not log the error.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch mixerr.KindOf(err) {
	case mixerr.KindValidation:
		status, msg = http.StatusBadRequest, "validation failed"
	case mixerr.KindNotFound:
		status, msg = http.StatusNotFound, "not found"
	case mixerr.KindConflict:
		status, msg = http.StatusConflict, "conflict"
	case mixerr.KindPolicy:
		status, msg = http.StatusUnprocessableEntity, "policy violation"
	case mixerr.KindTemporary:
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
