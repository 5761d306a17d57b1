package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tilgang.org/internal/delegation"
	"tilgang.org/internal/identity"
)

type stubEngine struct {
	addRules    func(ctx context.Context, reqs []delegation.RuleRequest) ([]delegation.Rule, delegation.BatchStatus, error)
	deleteRules func(ctx context.Context, reqs []delegation.DeleteRuleRequest) ([]delegation.Rule, delegation.BatchStatus, error)
	resolve     func(ctx context.Context, resourceID, grantorPartyID string, recipients []delegation.Recipient, all bool) ([]delegation.Right, error)
	check       func(ctx context.Context, resourceID, grantorPartyID string, subject identity.Subject) ([]delegation.CheckResult, error)
	parties     func(ctx context.Context, subjectUserID string, includeLegacy bool) ([]delegation.AuthorizedParty, error)
}

func (s *stubEngine) AddRules(ctx context.Context, reqs []delegation.RuleRequest) ([]delegation.Rule, delegation.BatchStatus, error) {
	return s.addRules(ctx, reqs)
}

func (s *stubEngine) DeleteRules(ctx context.Context, reqs []delegation.DeleteRuleRequest) ([]delegation.Rule, delegation.BatchStatus, error) {
	return s.deleteRules(ctx, reqs)
}

func (s *stubEngine) DeletePolicy(ctx context.Context, reqs []delegation.DeletePolicyRequest) ([]delegation.Rule, delegation.BatchStatus, error) {
	return nil, delegation.BatchAll, nil
}

func (s *stubEngine) Resolve(ctx context.Context, resourceID, grantorPartyID string, recipients []delegation.Recipient, all bool) ([]delegation.Right, error) {
	return s.resolve(ctx, resourceID, grantorPartyID, recipients, all)
}

func (s *stubEngine) DelegationCheck(ctx context.Context, resourceID, grantorPartyID string, subject identity.Subject) ([]delegation.CheckResult, error) {
	return s.check(ctx, resourceID, grantorPartyID, subject)
}

func (s *stubEngine) GetAuthorizedParties(ctx context.Context, subjectUserID string, includeLegacy bool) ([]delegation.AuthorizedParty, error) {
	return s.parties(ctx, subjectUserID, includeLegacy)
}

func newTestAPI(stub *stubEngine, opts ...Option) *API {
	return New(ReadyProbe{}, "test", stub, stub, stub, stub, opts...)
}

func TestHandleAddRulesStatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		status   delegation.BatchStatus
		wantCode int
	}{
		{"all written", delegation.BatchAll, http.StatusCreated},
		{"partial", delegation.BatchPartial, http.StatusOK},
		{"none written", delegation.BatchNone, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubEngine{
				addRules: func(ctx context.Context, reqs []delegation.RuleRequest) ([]delegation.Rule, delegation.BatchStatus, error) {
					return []delegation.Rule{{ID: "r1", CreatedSuccessfully: tc.status != delegation.BatchNone}}, tc.status, nil
				},
			}
			api := newTestAPI(stub)
			body := `[{"resource_id":"res1","action":"read","grantor_party_id":"g1","recipient":{"type":"user","id":"u1"},"performed_by":"u2"}]`
			req := httptest.NewRequest(http.MethodPost, "/v1/delegations/rules", strings.NewReader(body))
			rec := httptest.NewRecorder()
			api.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d: %s", rec.Code, tc.wantCode, rec.Body.String())
			}
			var resp batchResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tc.status {
				t.Fatalf("status = %s, want %s", resp.Status, tc.status)
			}
		})
	}
}

func TestHandleAddRulesValidationError(t *testing.T) {
	stub := &stubEngine{
		addRules: func(ctx context.Context, reqs []delegation.RuleRequest) ([]delegation.Rule, delegation.BatchStatus, error) {
			return nil, delegation.BatchNone, delegation.ErrValidation
		},
	}
	api := newTestAPI(stub)
	req := httptest.NewRequest(http.MethodPost, "/v1/delegations/rules", strings.NewReader(`[{}]`))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestHandleAddRulesRejectsMalformedBody(t *testing.T) {
	api := newTestAPI(&stubEngine{})
	req := httptest.NewRequest(http.MethodPost, "/v1/delegations/rules", strings.NewReader(`{"not":"a list"`))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestHandleResolveRights(t *testing.T) {
	stub := &stubEngine{
		resolve: func(ctx context.Context, resourceID, grantorPartyID string, recipients []delegation.Recipient, all bool) ([]delegation.Right, error) {
			if resourceID != "jks_audi_etron_gt" || grantorPartyID != "50005545" || len(recipients) != 1 || all {
				t.Fatalf("request not forwarded: %s %s %v %v", resourceID, grantorPartyID, recipients, all)
			}
			return []delegation.Right{{Key: delegation.RightKey{Action: "Park"}, Type: delegation.TypeDirect}}, nil
		},
	}
	api := newTestAPI(stub)
	body := `{"resource_id":"jks_audi_etron_gt","grantor_party_id":"50005545","recipients":[{"type":"user","id":"20000095"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/rights/resolve", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Rights []delegation.Right `json:"rights"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Rights) != 1 || resp.Rights[0].Key.Action != "Park" {
		t.Fatalf("unexpected rights: %#v", resp.Rights)
	}
}

func TestHandleResolveRightsUnresolvedParty(t *testing.T) {
	stub := &stubEngine{
		resolve: func(ctx context.Context, resourceID, grantorPartyID string, recipients []delegation.Recipient, all bool) ([]delegation.Right, error) {
			return nil, delegation.ErrUnresolvedParty
		},
	}
	api := newTestAPI(stub)
	body := `{"resource_id":"res1","grantor_party_id":"ghost","recipients":[{"type":"user","id":"u1"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/rights/resolve", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestHandleDelegationCheckRequiresSubject(t *testing.T) {
	api := newTestAPI(&stubEngine{})
	req := httptest.NewRequest(http.MethodPost, "/v1/delegations/check", strings.NewReader(`{"resource_id":"res1","grantor_party_id":"g1"}`))
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestHandleDelegationCheckForwardsSubject(t *testing.T) {
	stub := &stubEngine{
		check: func(ctx context.Context, resourceID, grantorPartyID string, subject identity.Subject) ([]delegation.CheckResult, error) {
			if subject.UserID != "u1" || subject.AuthenticationLevel != 3 {
				t.Fatalf("subject not forwarded: %#v", subject)
			}
			return []delegation.CheckResult{{Key: delegation.RightKey{Action: "read"}, Delegable: true}}, nil
		},
	}
	api := newTestAPI(stub)
	req := httptest.NewRequest(http.MethodPost, "/v1/delegations/check", strings.NewReader(`{"resource_id":"res1","grantor_party_id":"g1"}`))
	req = req.WithContext(identity.ContextWithSubject(req.Context(), identity.Subject{UserID: "u1", AuthenticationLevel: 3}))
	rec := httptest.NewRecorder()
	api.handleDelegationCheck(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAuthorizedParties(t *testing.T) {
	stub := &stubEngine{
		parties: func(ctx context.Context, subjectUserID string, includeLegacy bool) ([]delegation.AuthorizedParty, error) {
			if subjectUserID != "u1" || !includeLegacy {
				t.Fatalf("query not forwarded: %s %v", subjectUserID, includeLegacy)
			}
			return []delegation.AuthorizedParty{{PartyID: "p1"}}, nil
		},
	}
	api := newTestAPI(stub)
	req := httptest.NewRequest(http.MethodGet, "/v1/authorizedparties?includeLegacy=true", nil)
	req = req.WithContext(identity.ContextWithSubject(req.Context(), identity.Subject{UserID: "u1"}))
	rec := httptest.NewRecorder()
	api.handleAuthorizedParties(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Parties []delegation.AuthorizedParty `json:"parties"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Parties) != 1 || resp.Parties[0].PartyID != "p1" {
		t.Fatalf("unexpected parties: %#v", resp.Parties)
	}
}

func TestHandleAuthorizedPartiesBadQuery(t *testing.T) {
	api := newTestAPI(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/v1/authorizedparties?includeLegacy=maybe", nil)
	req = req.WithContext(identity.ContextWithSubject(req.Context(), identity.Subject{UserID: "u1"}))
	rec := httptest.NewRecorder()
	api.handleAuthorizedParties(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowedOnEngineRoutes(t *testing.T) {
	api := newTestAPI(&stubEngine{})
	req := httptest.NewRequest(http.MethodGet, "/v1/delegations/rules", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("code = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}
}
