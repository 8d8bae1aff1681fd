package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xraph/entitle/id"
)

// Source records which layer supplied a resolved entitlement.
type Source string

const (
	SourceOverride Source = "override"
	SourcePlan     Source = "plan"
	SourceDefault  Source = "default"
	// SourceFallback is reported for keys no layer defines.
	SourceFallback Source = "fallback"
)

// ResolvedConfig is the flattened entitlement set for one tenant. It is the
// unit the config cache stores and serves.
type ResolvedConfig struct {
	TenantID      string                  `json:"tenant_id"`
	PlanID        id.PlanID               `json:"plan_id"`
	PlanSlug      string                  `json:"plan_slug,omitempty"`
	Tier          string                  `json:"tier,omitempty"`
	VersionID     id.PlanVersionID        `json:"version_id"`
	VersionNumber int                     `json:"version_number,omitempty"`
	BillingAnchor time.Time               `json:"billing_anchor"`
	Features      map[string]FeatureValue `json:"features"`
	Limits        map[string]LimitConfig  `json:"limits"`
	Sources       map[string]Source       `json:"sources"`
	Overridden    []string                `json:"overridden,omitempty"`

	Generation int64     `json:"generation"`
	ETag       string    `json:"etag"`
	ResolvedAt time.Time `json:"resolved_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Entry is a single resolved entitlement. Exactly one of Feature and Limit is set.
type Entry struct {
	Key     string        `json:"key"`
	Source  Source        `json:"source"`
	Feature *FeatureValue `json:"feature,omitempty"`
	Limit   *LimitConfig  `json:"limit,omitempty"`
}

func (e Entry) IsLimit() bool { return e.Limit != nil }

// Resolve overlays override > assigned plan version > defaults. snap may be
// nil for a tenant without an assignment, in which case only the defaults
// and overrides apply. The result is never nil.
func Resolve(tenantID string, defaults Defaults, snap *Snapshot, a *Assignment, overrides []*Override) *ResolvedConfig {
	rc := &ResolvedConfig{
		TenantID: tenantID,
		Features: make(map[string]FeatureValue),
		Limits:   make(map[string]LimitConfig),
		Sources:  make(map[string]Source),
	}

	layer := func(features map[string]FeatureValue, limits map[string]LimitConfig, src Source) {
		for k, f := range features {
			delete(rc.Limits, k)
			rc.Features[k] = f
			rc.Sources[k] = src
		}
		for k, l := range limits {
			delete(rc.Features, k)
			rc.Limits[k] = l
			rc.Sources[k] = src
		}
	}

	layer(defaults.Features, defaults.Limits, SourceDefault)

	if snap != nil && snap.Plan != nil && snap.Version != nil {
		rc.PlanID = snap.Plan.ID
		rc.PlanSlug = snap.Plan.Slug
		rc.Tier = snap.Plan.Tier
		rc.VersionID = snap.Version.ID
		rc.VersionNumber = snap.Version.Number
		layer(snap.Version.Features, snap.Version.Limits, SourcePlan)
	}
	if a != nil {
		rc.BillingAnchor = a.BillingAnchor
	}

	for _, o := range overrides {
		if o == nil || o.TenantID != tenantID {
			continue
		}
		switch {
		case o.Limit != nil:
			layer(nil, map[string]LimitConfig{o.Key: *o.Limit}, SourceOverride)
		case o.Feature != nil:
			layer(map[string]FeatureValue{o.Key: *o.Feature}, nil, SourceOverride)
		default:
			continue
		}
		rc.Overridden = append(rc.Overridden, o.Key)
	}
	sort.Strings(rc.Overridden)

	return rc
}

// Entitlement returns the entry for key. It is total: unknown keys resolve to
// a disabled boolean feature with SourceFallback.
func (c *ResolvedConfig) Entitlement(key string) Entry {
	if l, ok := c.Limits[key]; ok {
		return Entry{Key: key, Source: c.Sources[key], Limit: &l}
	}
	if f, ok := c.Features[key]; ok {
		return Entry{Key: key, Source: c.Sources[key], Feature: &f}
	}
	off := Bool(false)
	return Entry{Key: key, Source: SourceFallback, Feature: &off}
}

// Fresh reports whether the config may be served at now without revalidation.
func (c *ResolvedConfig) Fresh(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

// Stamp sets the generation, expiry and etag. The etag combines the
// generation with a hash of the entitlement content.
func (c *ResolvedConfig) Stamp(generation int64, now time.Time, ttl time.Duration) {
	c.Generation = generation
	c.ResolvedAt = now
	c.ExpiresAt = now.Add(ttl)
	c.ETag = fmt.Sprintf("%d-%016x", generation, c.contentHash())
}

func (c *ResolvedConfig) contentHash() uint64 {
	// encoding/json sorts map keys, so the digest is stable.
	body, err := json.Marshal(struct {
		V id.PlanVersionID        `json:"v"`
		A time.Time               `json:"a"`
		F map[string]FeatureValue `json:"f"`
		L map[string]LimitConfig  `json:"l"`
	}{c.VersionID, c.BillingAnchor, c.Features, c.Limits})
	if err != nil {
		return 0
	}
	return xxhash.Sum64(body)
}
