package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"tilgang.org/internal/audit"
	"tilgang.org/internal/delegation"
)

type batchResponse struct {
	Status delegation.BatchStatus `json:"status"`
	Rules  []delegation.Rule      `json:"rules"`
}

type resolveRightsRequest struct {
	ResourceID            string                 `json:"resource_id"`
	GrantorPartyID        string                 `json:"grantor_party_id"`
	Recipients            []delegation.Recipient `json:"recipients"`
	ReturnAllPolicyRights bool                   `json:"return_all_policy_rights"`
}

type checkRequest struct {
	ResourceID     string `json:"resource_id"`
	GrantorPartyID string `json:"grantor_party_id"`
}

func (a *API) handleAddRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var reqs []delegation.RuleRequest
	if err := decodeJSON(w, r, &reqs); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rules, status, err := a.admin.AddRules(r.Context(), reqs)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	a.auditBatch(r.Context(), "delegation.rules.add", status, rules)
	writeJSON(w, batchCode(status, http.StatusCreated), batchResponse{Status: status, Rules: rules})
}

func (a *API) handleDeleteRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var reqs []delegation.DeleteRuleRequest
	if err := decodeJSON(w, r, &reqs); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rules, status, err := a.admin.DeleteRules(r.Context(), reqs)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	a.auditBatch(r.Context(), "delegation.rules.delete", status, rules)
	writeJSON(w, batchCode(status, http.StatusOK), batchResponse{Status: status, Rules: rules})
}

func (a *API) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var reqs []delegation.DeletePolicyRequest
	if err := decodeJSON(w, r, &reqs); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rules, status, err := a.admin.DeletePolicy(r.Context(), reqs)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	a.auditBatch(r.Context(), "delegation.policies.delete", status, rules)
	writeJSON(w, batchCode(status, http.StatusOK), batchResponse{Status: status, Rules: rules})
}

func (a *API) handleResolveRights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req resolveRightsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rights, err := a.resolver.Resolve(r.Context(), req.ResourceID, req.GrantorPartyID, req.Recipients, req.ReturnAllPolicyRights)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	if rights == nil {
		rights = []delegation.Right{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rights": rights})
}

func (a *API) handleDelegationCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	subject, ok := a.subject(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	results, err := a.checker.DelegationCheck(r.Context(), req.ResourceID, req.GrantorPartyID, subject)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	if results == nil {
		results = []delegation.CheckResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (a *API) handleAuthorizedParties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	subject, ok := a.subject(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	includeLegacy := false
	if raw := strings.TrimSpace(r.URL.Query().Get("includeLegacy")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "includeLegacy must be a boolean")
			return
		}
		includeLegacy = parsed
	}
	parties, err := a.parties.GetAuthorizedParties(r.Context(), subject.UserID, includeLegacy)
	if err != nil {
		handleDelegationError(w, r, err)
		return
	}
	if parties == nil {
		parties = []delegation.AuthorizedParty{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"parties": parties})
}

// Stream handles Server-Sent Events for delegation changes.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Initial comment establishes the stream.
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

// batchCode maps the three-way batch outcome to a response code. okCode is
// used when every key was written.
func batchCode(status delegation.BatchStatus, okCode int) int {
	switch status {
	case delegation.BatchAll:
		return okCode
	case delegation.BatchPartial:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) auditBatch(ctx context.Context, event string, status delegation.BatchStatus, rules []delegation.Rule) {
	_ = audit.LogEvent(ctx, event, map[string]any{
		"status": string(status),
		"rules":  len(rules),
	})
}
