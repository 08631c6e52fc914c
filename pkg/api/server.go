package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/killswitch"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
	"github.com/Mindburn-Labs/helm-gate/pkg/pipeline"
)

const (
	maxBodyBytes    = 1 << 20
	defaultScanSize = 100
	maxScanSize     = 1000
)

// Server exposes the pipeline over HTTP.
type Server struct {
	pipeline   *pipeline.Pipeline
	receipts   ledger.Reader
	killSwitch killswitch.Switch
	auth       *HolderAuth
	limiter    *CallerLimiter
	health     func() error
	logger     *slog.Logger
}

// NewServer creates a server. auth may be nil, in which case every
// non-public route answers 401.
func NewServer(p *pipeline.Pipeline, receipts ledger.Reader, ks killswitch.Switch, auth *HolderAuth) *Server {
	return &Server{
		pipeline:   p,
		receipts:   receipts,
		killSwitch: ks,
		auth:       auth,
		health:     func() error { return nil },
		logger:     slog.Default().With("component", "api"),
	}
}

// WithRateLimiter enables per-caller rate limiting.
func (s *Server) WithRateLimiter(rl *CallerLimiter) *Server {
	s.limiter = rl
	return s
}

// WithHealth sets the liveness probe behind /healthz.
func (s *Server) WithHealth(check func() error) *Server {
	s.health = check
	return s
}

// WithLogger sets the logger.
func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/requests", s.handleSubmit)
	mux.HandleFunc("POST /v1/requests/{id}/simulate", s.handleSimulate)
	mux.HandleFunc("POST /v1/decisions/{id}/execute", s.handleExecute)
	mux.HandleFunc("POST /v1/confirmations/{id}/respond", s.handleRespond)
	mux.HandleFunc("GET /v1/receipts", s.handleReceipts)
	mux.HandleFunc("GET /v1/receipts/{id}", s.handleReceipt)
	mux.HandleFunc("GET /v1/killswitch", s.handleKillSwitchGet)
	mux.HandleFunc("PUT /v1/killswitch", s.handleKillSwitchPut)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = s.auth.Middleware(h)
	h = RequestIDMiddleware(h)
	return otelhttp.NewHandler(h, "helmgate.api")
}

type submitResponse struct {
	Decision     contracts.DecisionEnvelope     `json:"decision"`
	Confirmation *contracts.ConfirmationRequest `json:"confirmation,omitempty"`
}

type executeResponse struct {
	Receipt contracts.ExecutionReceipt `json:"receipt"`
	Output  map[string]any             `json:"output,omitempty"`
}

type respondBody struct {
	RequestID string                     `json:"request_id"`
	Mode      contracts.ConfirmationMode `json:"mode"`
	Scope     *contracts.Scope           `json:"scope,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
}

type killSwitchBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health(); err != nil {
		writeStatus(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	holder, _ := HolderFromContext(r.Context())

	var req contracts.ExecutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		writeStatus(w, r, http.StatusBadRequest, "request_id is required")
		return
	}
	// The presenting holder is whoever authenticated, never what the body claims.
	switch {
	case req.Authority.Holder == (contracts.AuthorityHolder{}):
		req.Authority.Holder = holder
	case req.Authority.Holder != holder:
		writeStatus(w, r, http.StatusForbidden, fmt.Sprintf("authority holder %s does not match caller %s", req.Authority.Holder, holder))
		return
	}

	sub, err := s.pipeline.Submit(r.Context(), req)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{
		Decision:     contracts.Envelope(sub.Decision),
		Confirmation: sub.Confirmation,
	})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, _, err := s.pipeline.Latest(id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	if !s.ownsRequest(w, r, req) {
		return
	}

	res, err := s.pipeline.Simulate(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case StatusFor(err) == http.StatusInternalServerError:
		WriteErrorR(w, r, http.StatusBadGateway, "Simulation Failed", err.Error())
	default:
		WriteGateError(w, r, err)
	}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, _, err := s.pipeline.Decision(id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	if !s.ownsRequest(w, r, req) {
		return
	}

	att, err := s.pipeline.Execute(r.Context(), id)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "execute failed", "decision_id", id, "error", err)
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Receipt: att.Receipt, Output: att.Output})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	holder, _ := HolderFromContext(r.Context())

	var body respondBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, _, err := s.pipeline.Latest(body.RequestID)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	if req.Authority.Holder == holder {
		writeStatus(w, r, http.StatusForbidden, "the requesting holder cannot confirm its own request")
		return
	}
	c, err := s.pipeline.Confirm(r.Context(), contracts.ConfirmationResponse{
		ConfirmationID: r.PathValue("id"),
		RequestID:      body.RequestID,
		Responder:      holder,
		Mode:           body.Mode,
		Scope:          body.Scope,
		Reason:         body.Reason,
	})
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if rid := q.Get("request_id"); rid != "" {
		out, err := s.receipts.ForRequest(r.Context(), rid)
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	from, err := uintParam(q.Get("from"), 1)
	if err != nil || from == 0 {
		writeStatus(w, r, http.StatusBadRequest, "from must be a positive integer")
		return
	}
	limit, err := uintParam(q.Get("limit"), defaultScanSize)
	if err != nil || limit == 0 || limit > maxScanSize {
		writeStatus(w, r, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxScanSize))
		return
	}
	out, err := s.receipts.Scan(r.Context(), from, int(limit))
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.receipts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKillSwitchGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.killSwitch.State(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Services can read the switch but only humans and the system may flip it.
func (s *Server) handleKillSwitchPut(w http.ResponseWriter, r *http.Request) {
	holder, _ := HolderFromContext(r.Context())
	if holder.Type == contracts.HolderService {
		writeStatus(w, r, http.StatusForbidden, "service holders cannot change the kill switch")
		return
	}

	var body killSwitchBody
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Enabled == nil {
		writeStatus(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.killSwitch.Set(r.Context(), *body.Enabled, holder.String()); err != nil {
		WriteInternal(w, err)
		return
	}
	st, err := s.killSwitch.State(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) ownsRequest(w http.ResponseWriter, r *http.Request, req contracts.ExecutionRequest) bool {
	holder, _ := HolderFromContext(r.Context())
	if req.Authority.Holder != holder {
		writeStatus(w, r, http.StatusForbidden, "request belongs to another holder")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeStatus(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func uintParam(v string, def uint64) (uint64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
