package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"tilgang.org/api/spec"
	"tilgang.org/internal/delegation"
	"tilgang.org/internal/events"
	"tilgang.org/internal/identity"
	"tilgang.org/internal/obs"
)

// ReadyProbe reports readiness, e.g. by pinging the database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// The HTTP layer depends on the engines through narrow interfaces so handler
// tests can stub them.
type ruleAdministrator interface {
	AddRules(ctx context.Context, reqs []delegation.RuleRequest) ([]delegation.Rule, delegation.BatchStatus, error)
	DeleteRules(ctx context.Context, reqs []delegation.DeleteRuleRequest) ([]delegation.Rule, delegation.BatchStatus, error)
	DeletePolicy(ctx context.Context, reqs []delegation.DeletePolicyRequest) ([]delegation.Rule, delegation.BatchStatus, error)
}

type rightsResolver interface {
	Resolve(ctx context.Context, resourceID, grantorPartyID string, recipients []delegation.Recipient, returnAllPolicyRights bool) ([]delegation.Right, error)
}

type delegationChecker interface {
	DelegationCheck(ctx context.Context, resourceID, grantorPartyID string, subject identity.Subject) ([]delegation.CheckResult, error)
}

type partiesAggregator interface {
	GetAuthorizedParties(ctx context.Context, subjectUserID string, includeLegacy bool) ([]delegation.AuthorizedParty, error)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth     *Authenticator
	admin    ruleAdministrator
	resolver rightsResolver
	checker  delegationChecker
	parties  partiesAggregator
	stream   *events.Stream
}

// Option configures the API.
type Option func(*API)

// WithAuthenticator enables bearer-token authentication.
func WithAuthenticator(auth *Authenticator) Option {
	return func(a *API) { a.auth = auth }
}

// WithStream enables the delegation-changed SSE endpoint.
func WithStream(s *events.Stream) Option {
	return func(a *API) { a.stream = s }
}

func New(rp ReadyProbe, version string, admin ruleAdministrator, resolver rightsResolver, checker delegationChecker, parties partiesAggregator, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		admin:      admin,
		resolver:   resolver,
		checker:    checker,
		parties:    parties,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// OpenAPI YAML
	a.mux.HandleFunc("/openapi.yaml", a.OpenAPISpec)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// delegation engine
	a.mux.HandleFunc("/v1/delegations/rules", a.handleAddRules)
	a.mux.HandleFunc("/v1/delegations/rules/delete", a.handleDeleteRules)
	a.mux.HandleFunc("/v1/delegations/policies/delete", a.handleDeletePolicy)
	a.mux.HandleFunc("/v1/delegations/check", a.handleDelegationCheck)
	a.mux.HandleFunc("/v1/rights/resolve", a.handleResolveRights)
	a.mux.HandleFunc("/v1/authorizedparties", a.handleAuthorizedParties)
	a.mux.HandleFunc("/v1/events/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware-wrapped handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tilgang-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tilgang-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
	_, _ = w.Write(spec.OpenAPI)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleDelegationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delegation.ErrValidation), errors.Is(err, delegation.ErrUnsupportedResourceType):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, delegation.ErrUnresolvedParty):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, delegation.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
