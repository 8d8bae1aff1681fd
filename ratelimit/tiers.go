package ratelimit

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tiers maps plan tiers to bucket shapes and request routes to token costs.
type Tiers struct {
	DefaultTier   string            `yaml:"default_tier"`
	Buckets       map[string]Bucket `yaml:"tiers"`
	DefaultWeight int64             `yaml:"default_weight"`
	// Weights is keyed by "METHOD:/path".
	Weights map[string]int64 `yaml:"weights"`
}

// DefaultTiers returns the built-in table.
func DefaultTiers() *Tiers {
	return &Tiers{
		DefaultTier: TierFree,
		Buckets: map[string]Bucket{
			TierFree:       {Capacity: 100, RefillRate: 10},
			TierPro:        {Capacity: 1000, RefillRate: 100},
			TierEnterprise: {Capacity: 10000, RefillRate: 1000},
		},
		DefaultWeight: 2,
		Weights: map[string]int64{
			"GET:/api/content/feed":  1,
			"GET:/api/content/post":  1,
			"POST:/api/content/post": 5,
			"PUT:/api/content/post":  3,
			"POST:/api/ai/generate":  20,
			"POST:/api/ai/embed":     10,
			"POST:/api/ai/translate": 15,
		},
	}
}

// LoadTiers reads a YAML table. Missing sections keep the built-in values.
func LoadTiers(r io.Reader) (*Tiers, error) {
	t := DefaultTiers()
	var loaded Tiers
	if err := yaml.NewDecoder(r).Decode(&loaded); err != nil && err != io.EOF {
		return nil, fmt.Errorf("ratelimit: decode tiers: %w", err)
	}
	if loaded.DefaultTier != "" {
		t.DefaultTier = strings.ToLower(loaded.DefaultTier)
	}
	for name, b := range loaded.Buckets {
		if b.Capacity <= 0 || b.RefillRate <= 0 {
			return nil, fmt.Errorf("ratelimit: tier %q needs positive capacity and refill_rate", name)
		}
		t.Buckets[strings.ToLower(name)] = b
	}
	if loaded.DefaultWeight > 0 {
		t.DefaultWeight = loaded.DefaultWeight
	}
	for route, w := range loaded.Weights {
		t.Weights[route] = w
	}
	if _, ok := t.Buckets[t.DefaultTier]; !ok {
		return nil, fmt.Errorf("ratelimit: default tier %q is not defined", t.DefaultTier)
	}
	return t, nil
}

// For returns the bucket for a plan tier, falling back to the default tier.
func (t *Tiers) For(tier string) Bucket {
	if b, ok := t.Buckets[strings.ToLower(tier)]; ok {
		return b
	}
	return t.Buckets[t.DefaultTier]
}

// Weight returns the token cost of a request.
func (t *Tiers) Weight(method, path string) int64 {
	if w, ok := t.Weights[strings.ToUpper(method)+":"+path]; ok {
		return w
	}
	return t.DefaultWeight
}
