package delegation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tilgang.org/internal/ids"
	"tilgang.org/internal/obs"
	"tilgang.org/internal/policy"
	"tilgang.org/internal/registry"
)

// BatchStatus is the explicit three-way outcome of a bulk administration
// request. Callers must branch on it: a partial outcome means "retry the
// missing subset", not failure.
type BatchStatus string

const (
	// BatchAll means every addressed policy key was written.
	BatchAll BatchStatus = "completed"
	// BatchPartial means some keys were written and some were not; the
	// response carries only rules from keys that were actually written.
	BatchPartial BatchStatus = "partial"
	// BatchNone means at least one key was attempted and none was written.
	BatchNone BatchStatus = "failed"
)

// ChangeDispatcher delivers delegation-changed events after a durable
// commit. Best effort: failures must never surface to the caller.
type ChangeDispatcher interface {
	Dispatch(change Change)
}

// RuleRequest asks for one rule to be delegated.
type RuleRequest struct {
	ResourceID     string    `json:"resource_id"`
	Org            string    `json:"org,omitempty"`
	App            string    `json:"app,omitempty"`
	Action         string    `json:"action"`
	Subresource    string    `json:"subresource,omitempty"`
	GrantorPartyID string    `json:"grantor_party_id"`
	Recipient      Recipient `json:"recipient"`
	PerformedBy    string    `json:"performed_by"`
}

func (r *RuleRequest) normalize() {
	r.ResourceID = strings.TrimSpace(r.ResourceID)
	if r.ResourceID == "" {
		r.ResourceID = AppResourceID(r.Org, r.App)
	}
	r.Action = strings.TrimSpace(r.Action)
	r.GrantorPartyID = strings.TrimSpace(r.GrantorPartyID)
	r.PerformedBy = strings.TrimSpace(r.PerformedBy)
}

func (r RuleRequest) key() PolicyKey {
	return PolicyKey{ResourceID: r.ResourceID, GrantorPartyID: r.GrantorPartyID, Recipient: r.Recipient}
}

// DeleteRuleRequest asks for named rules to be removed from one policy
// document.
type DeleteRuleRequest struct {
	ResourceID     string    `json:"resource_id"`
	Org            string    `json:"org,omitempty"`
	App            string    `json:"app,omitempty"`
	GrantorPartyID string    `json:"grantor_party_id"`
	Recipient      Recipient `json:"recipient"`
	RuleIDs        []string  `json:"rule_ids"`
	PerformedBy    string    `json:"performed_by"`
}

// DeletePolicyRequest asks for every rule under one policy key to be removed.
type DeletePolicyRequest struct {
	ResourceID     string    `json:"resource_id"`
	Org            string    `json:"org,omitempty"`
	App            string    `json:"app,omitempty"`
	GrantorPartyID string    `json:"grantor_party_id"`
	Recipient      Recipient `json:"recipient"`
	PerformedBy    string    `json:"performed_by"`
}

// Admin is the delegation administration engine: bulk add and delete of
// rules and whole policies, grouped by policy key, one atomic
// read-modify-write per key. Cross-key atomicity is deliberately absent,
// which is why the partial outcome is first class.
type Admin struct {
	rules      RuleStore
	changes    ChangeLog
	registry   registry.Lookup
	dispatcher ChangeDispatcher
	now        func() time.Time
}

// AdminOption configures Admin behavior.
type AdminOption func(*Admin)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) AdminOption {
	return func(a *Admin) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithDispatcher sets the best-effort delegation-changed event dispatcher.
func WithDispatcher(d ChangeDispatcher) AdminOption {
	return func(a *Admin) { a.dispatcher = d }
}

// NewAdmin constructs the administration engine.
func NewAdmin(rules RuleStore, changes ChangeLog, reg registry.Lookup, opts ...AdminOption) (*Admin, error) {
	if rules == nil || changes == nil || reg == nil {
		return nil, errors.New("delegation: admin requires rule store, change log and resource registry")
	}
	a := &Admin{rules: rules, changes: changes, registry: reg, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// AddRules delegates the requested rules. Requests are validated eagerly
// (missing grantor, recipient or performing user fails the whole batch with
// no effect), requests for unknown resources are excluded from the batch and
// reported with CreatedSuccessfully=false, and the rest are grouped by
// policy key and written one atomic document at a time. Re-delegating an
// identical rule reuses its id.
func (a *Admin) AddRules(ctx context.Context, reqs []RuleRequest) ([]Rule, BatchStatus, error) {
	if len(reqs) == 0 {
		return nil, BatchNone, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	for i := range reqs {
		reqs[i].normalize()
		if err := validateRuleRequest(reqs[i]); err != nil {
			return nil, BatchNone, err
		}
	}

	var (
		results   []Rule
		groups    = make(map[string][]RuleRequest)
		keyOrder  []PolicyKey
		infoByKey = make(map[string]registry.ResourceInfo)
		failed    int
	)
	for _, req := range reqs {
		info, err := a.registry.Resource(ctx, req.ResourceID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				results = append(results, ruleFromRequest(req, "", false))
				failed++
				continue
			}
			return nil, BatchNone, err
		}
		ks := req.key().String()
		if _, ok := groups[ks]; !ok {
			keyOrder = append(keyOrder, req.key())
			infoByKey[ks] = info
		}
		groups[ks] = append(groups[ks], req)
	}

	succeeded := 0
	for _, key := range keyOrder {
		if err := ctx.Err(); err != nil {
			return results, a.status(succeeded, failed+len(keyOrder)), err
		}
		group := groups[key.String()]
		written, err := a.addGroup(ctx, key, group)
		if err != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "delegation rule write failed",
				"key":   key.String(),
				"error": err.Error(),
			})
			for _, req := range group {
				results = append(results, ruleFromRequest(req, "", false))
			}
			failed++
			continue
		}
		results = append(results, written...)
		succeeded++

		info := infoByKey[key.String()]
		a.recordChange(ctx, Change{
			ResourceID:     key.ResourceID,
			ResourceType:   string(info.Type),
			GrantorPartyID: key.GrantorPartyID,
			Recipient:      key.Recipient,
			ChangeType:     ChangeGrant,
			PerformedBy:    group[0].PerformedBy,
		})
	}
	return results, a.status(succeeded, succeeded+failed), nil
}

// addGroup performs the atomic read-modify-write for one policy key.
func (a *Admin) addGroup(ctx context.Context, key PolicyKey, group []RuleRequest) ([]Rule, error) {
	var written []Rule
	err := a.rules.Mutate(ctx, key, func(doc *policy.Document) error {
		written = written[:0]
		for _, req := range group {
			stored := doc.Upsert(policy.Rule{
				ID:          uuid.NewString(),
				Action:      req.Action,
				Subresource: req.Subresource,
				Effect:      policy.EffectPermit,
			})
			written = append(written, ruleFromRequest(req, stored.ID, true))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

// DeleteRules removes named rules from their policy documents. A rule id
// absent from its document is omitted from the result set, not an error.
func (a *Admin) DeleteRules(ctx context.Context, reqs []DeleteRuleRequest) ([]Rule, BatchStatus, error) {
	if len(reqs) == 0 {
		return nil, BatchNone, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	keys := make([]PolicyKey, 0, len(reqs))
	for i := range reqs {
		reqs[i].ResourceID = strings.TrimSpace(reqs[i].ResourceID)
		if reqs[i].ResourceID == "" {
			reqs[i].ResourceID = AppResourceID(reqs[i].Org, reqs[i].App)
		}
		key := PolicyKey{ResourceID: reqs[i].ResourceID, GrantorPartyID: strings.TrimSpace(reqs[i].GrantorPartyID), Recipient: reqs[i].Recipient}
		if !key.Valid() || strings.TrimSpace(reqs[i].PerformedBy) == "" {
			return nil, BatchNone, fmt.Errorf("%w: every delete request needs resource, grantor, recipient and performing user", ErrValidation)
		}
		if len(reqs[i].RuleIDs) == 0 {
			return nil, BatchNone, fmt.Errorf("%w: delete request for %s names no rule ids", ErrValidation, key.String())
		}
		keys = append(keys, key)
	}
	if err := validateDistinctKeys(keys); err != nil {
		return nil, BatchNone, err
	}

	var results []Rule
	succeeded, attempted := 0, 0
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return results, a.status(succeeded, len(reqs)), err
		}
		attempted++
		key := keys[i]
		var removed []policy.Rule
		var emptied bool
		err := a.rules.Mutate(ctx, key, func(doc *policy.Document) error {
			removed = doc.RemoveByID(req.RuleIDs)
			emptied = len(removed) > 0 && doc.Empty()
			return nil
		})
		if err != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "delegation rule delete failed",
				"key":   key.String(),
				"error": err.Error(),
			})
			continue
		}
		succeeded++
		for _, pr := range removed {
			results = append(results, Rule{
				ID:                  pr.ID,
				ResourceID:          key.ResourceID,
				Action:              pr.Action,
				Subresource:         pr.Subresource,
				GrantorPartyID:      key.GrantorPartyID,
				Recipient:           key.Recipient,
				PerformedBy:         req.PerformedBy,
				CreatedSuccessfully: true,
				Type:                TypeDirect,
			})
		}
		if emptied {
			a.recordChange(ctx, Change{
				ResourceID:     key.ResourceID,
				GrantorPartyID: key.GrantorPartyID,
				Recipient:      key.Recipient,
				ChangeType:     ChangeRevokeLast,
				PerformedBy:    req.PerformedBy,
			})
		}
	}
	return results, a.status(succeeded, attempted), nil
}

// DeletePolicy removes every rule under the addressed keys. Deleting a
// policy that does not exist is an idempotent no-op success.
func (a *Admin) DeletePolicy(ctx context.Context, reqs []DeletePolicyRequest) ([]Rule, BatchStatus, error) {
	if len(reqs) == 0 {
		return nil, BatchNone, fmt.Errorf("%w: empty batch", ErrValidation)
	}
	keys := make([]PolicyKey, 0, len(reqs))
	for i := range reqs {
		reqs[i].ResourceID = strings.TrimSpace(reqs[i].ResourceID)
		if reqs[i].ResourceID == "" {
			reqs[i].ResourceID = AppResourceID(reqs[i].Org, reqs[i].App)
		}
		key := PolicyKey{ResourceID: reqs[i].ResourceID, GrantorPartyID: strings.TrimSpace(reqs[i].GrantorPartyID), Recipient: reqs[i].Recipient}
		if !key.Valid() || strings.TrimSpace(reqs[i].PerformedBy) == "" {
			return nil, BatchNone, fmt.Errorf("%w: every policy delete needs resource, grantor, recipient and performing user", ErrValidation)
		}
		keys = append(keys, key)
	}
	if err := validateDistinctKeys(keys); err != nil {
		return nil, BatchNone, err
	}

	var results []Rule
	succeeded, attempted := 0, 0
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return results, a.status(succeeded, len(reqs)), err
		}
		attempted++
		key := keys[i]
		var removed []policy.Rule
		err := a.rules.Mutate(ctx, key, func(doc *policy.Document) error {
			removed = append([]policy.Rule(nil), doc.Rules...)
			doc.Rules = nil
			return nil
		})
		if err != nil {
			obs.LogRequest(map[string]any{
				"level": "error",
				"msg":   "delegation policy delete failed",
				"key":   key.String(),
				"error": err.Error(),
			})
			continue
		}
		succeeded++
		for _, pr := range removed {
			results = append(results, Rule{
				ID:                  pr.ID,
				ResourceID:          key.ResourceID,
				Action:              pr.Action,
				Subresource:         pr.Subresource,
				GrantorPartyID:      key.GrantorPartyID,
				Recipient:           key.Recipient,
				PerformedBy:         req.PerformedBy,
				CreatedSuccessfully: true,
				Type:                TypeDirect,
			})
		}
		if len(removed) > 0 {
			a.recordChange(ctx, Change{
				ResourceID:     key.ResourceID,
				GrantorPartyID: key.GrantorPartyID,
				Recipient:      key.Recipient,
				ChangeType:     ChangeRevokeLast,
				PerformedBy:    req.PerformedBy,
			})
		}
	}
	return results, a.status(succeeded, attempted), nil
}

// recordChange appends to the change log and then hands the record to the
// event dispatcher. The append happens after the durable document write; a
// dispatch failure is the dispatcher's to log, never the caller's to see.
func (a *Admin) recordChange(ctx context.Context, change Change) {
	change.ID = ids.New()
	change.OccurredAt = a.now().UTC()
	if err := a.changes.Append(ctx, change); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error",
			"msg":   "delegation change append failed",
			"key":   change.key(),
			"error": err.Error(),
		})
	}
	if a.dispatcher != nil {
		a.dispatcher.Dispatch(change)
	}
}

func (a *Admin) status(succeeded, attempted int) BatchStatus {
	switch {
	case attempted == 0 || succeeded == attempted:
		return BatchAll
	case succeeded == 0:
		return BatchNone
	default:
		return BatchPartial
	}
}

func validateRuleRequest(req RuleRequest) error {
	if req.ResourceID == "" {
		return fmt.Errorf("%w: rule request needs a resource id or an org/app pair", ErrValidation)
	}
	if req.Action == "" {
		return fmt.Errorf("%w: rule request for %s needs an action", ErrValidation, req.ResourceID)
	}
	if req.GrantorPartyID == "" {
		return fmt.Errorf("%w: rule request for %s needs a grantor", ErrValidation, req.ResourceID)
	}
	if !req.Recipient.Valid() {
		return fmt.Errorf("%w: rule request for %s needs a recipient", ErrValidation, req.ResourceID)
	}
	if req.PerformedBy == "" {
		return fmt.Errorf("%w: rule request for %s needs a performing user", ErrValidation, req.ResourceID)
	}
	return nil
}

func ruleFromRequest(req RuleRequest, id string, created bool) Rule {
	return Rule{
		ID:                  id,
		ResourceID:          req.ResourceID,
		Action:              req.Action,
		Subresource:         req.Subresource,
		GrantorPartyID:      req.GrantorPartyID,
		Recipient:           req.Recipient,
		PerformedBy:         req.PerformedBy,
		CreatedSuccessfully: created,
		Type:                TypeDirect,
	}
}
