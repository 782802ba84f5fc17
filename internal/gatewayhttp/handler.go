// Package gatewayhttp implements C8: the net/http.Handler serving
// POST/GET/DELETE /mcp, origin and content-type validation, message-kind
// dispatch, method routing, SSE priming/heartbeat, and the /status debug
// endpoint.
package gatewayhttp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/kagenti/mcp-gateway/internal/aggregator"
	"github.com/kagenti/mcp-gateway/internal/gwsession"
	"github.com/kagenti/mcp-gateway/internal/policy"
	"github.com/kagenti/mcp-gateway/internal/rpc"
	"github.com/kagenti/mcp-gateway/internal/s2c"
)

// HandlerError is a typed request-handling failure, this module's analogue
// of the teacher's RouterError (internal/mcp-router/request_handlers.go):
// it carries both the HTTP status to answer with and, where applicable,
// the JSON-RPC error code to embed in the body.
type HandlerError struct {
	HTTPStatus int
	RPCCode    int
	Message    string
}

func (e *HandlerError) Error() string { return e.Message }

// NewHandlerError builds a HandlerError.
func NewHandlerError(httpStatus, rpcCode int, message string) *HandlerError {
	return &HandlerError{HTTPStatus: httpStatus, RPCCode: rpcCode, Message: message}
}

// Stats tracks the connection/request counters named GatewayStats in
// spec.md §4.9, incremented by this package on each new SSE stream / POST.
type Stats struct {
	totalConnections atomic.Int64
	totalRequests    atomic.Int64
}

// TotalConnections returns the number of SSE streams opened.
func (s *Stats) TotalConnections() int64 { return s.totalConnections.Load() }

// TotalRequests returns the number of POSTs to /mcp that passed the origin
// and bearer checks, counted before their content type and body are checked.
func (s *Stats) TotalRequests() int64 { return s.totalRequests.Load() }

// OriginPolicy reports whether an Origin header value is permitted. The
// exact allow-list is a deployment parameter per spec.md §9's open
// questions; DefaultOriginPolicy implements the loopback-only default.
type OriginPolicy func(origin string) bool

// DefaultOriginPolicy permits an absent Origin header (non-browser
// clients) and loopback-hostname origins only, guarding against
// DNS-rebinding from a browser tab.
func DefaultOriginPolicy(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// Handler wires C4-C7 into the HTTP surface for /mcp and /status.
type Handler struct {
	Aggregator       *aggregator.Aggregator
	Sessions         *gwsession.Store
	Channels         *s2c.Manager
	Stats            *Stats
	ProjectServices  policy.ProjectServicesClient
	PolicyResolver   policy.PolicyResolver
	BearerToken      string
	OriginPolicy     OriginPolicy
	HeartbeatSeconds int
	Log              *slog.Logger
}

// New builds a Handler with sane defaults for any unset optional field.
func New(agg *aggregator.Aggregator, sessions *gwsession.Store, channels *s2c.Manager, bearerToken string) *Handler {
	return &Handler{
		Aggregator:       agg,
		Sessions:         sessions,
		Channels:         channels,
		Stats:            &Stats{},
		BearerToken:      bearerToken,
		OriginPolicy:     DefaultOriginPolicy,
		HeartbeatSeconds: 30,
		Log:              slog.Default(),
	}
}

// ServeHTTP implements net/http.Handler, routing /mcp and /status.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/mcp":
		h.serveMCP(w, r)
	case "/status":
		h.serveStatus(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) serveMCP(w http.ResponseWriter, r *http.Request) {
	if err := h.checkOrigin(r); err != nil {
		writeHandlerError(w, nil, err)
		return
	}
	if err := h.checkAuth(r); err != nil {
		writeHandlerError(w, nil, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) checkOrigin(r *http.Request) *HandlerError {
	origin := r.Header.Get("Origin")
	policyFn := h.OriginPolicy
	if policyFn == nil {
		policyFn = DefaultOriginPolicy
	}
	if !policyFn(origin) {
		return NewHandlerError(http.StatusForbidden, 0, "origin not permitted")
	}
	return nil
}

func (h *Handler) checkAuth(r *http.Request) *HandlerError {
	if h.BearerToken == "" {
		return nil
	}
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != h.BearerToken {
		return NewHandlerError(http.StatusUnauthorized, 0, "missing or invalid bearer token")
	}
	return nil
}

// validateProtocolVersion checks the Mcp-Protocol-Version header against
// the supported set, defaulting to rpc.ProtocolVersion when absent, per
// spec.md §4.7.
func (h *Handler) validateProtocolVersion(r *http.Request) (string, *HandlerError) {
	v := r.Header.Get(rpc.ProtocolVersionHeader)
	if v == "" {
		return rpc.ProtocolVersion, nil
	}
	if !rpc.SupportedProtocolVersions[v] {
		return "", NewHandlerError(http.StatusBadRequest, rpc.CodeUnsupportedOrMissing, fmt.Sprintf("unsupported protocol version %q", v))
	}
	return v, nil
}

func writeHandlerError(w http.ResponseWriter, id json.RawMessage, err *HandlerError) {
	status := err.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err.RPCCode != 0 {
		_ = json.NewEncoder(w).Encode(rpc.Errorf(id, err.RPCCode, err.Message))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Message})
}
