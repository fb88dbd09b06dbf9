package ratelimit

import (
	"context"
	"sort"
)

// ResourceView is a human-facing view of one persisted bucket.
type ResourceView struct {
	Resource          string  `json:"resource"`
	Capacity          int64   `json:"capacity"`
	RatePerSec        float64 `json:"refill_rate_per_sec"`
	Tokens            float64 `json:"tokens"`
	NextTokenSeconds  float64 `json:"next_token_seconds"`
	FullRefillSeconds float64 `json:"full_refill_seconds"`
}

// Projector derives read-only views from an Inspector.
type Projector struct {
	inspector Inspector
}

// NewProjector returns a Projector over in.
func NewProjector(in Inspector) *Projector {
	return &Projector{inspector: in}
}

// SubjectProjection lists every bucket of subject, sorted by resource.
func (p *Projector) SubjectProjection(ctx context.Context, subject string) ([]ResourceView, error) {
	if subject == "" {
		return nil, Validationf("subject is required")
	}
	states, err := p.inspector.Buckets(ctx, subject)
	if err != nil {
		return nil, Unavailable(err)
	}
	views := make([]ResourceView, 0, len(states))
	for _, st := range states {
		views = append(views, Project(st))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Resource < views[j].Resource })
	return views, nil
}

// ActiveKeys counts live buckets.
func (p *Projector) ActiveKeys(ctx context.Context) (int64, error) {
	n, err := p.inspector.CountBuckets(ctx)
	if err != nil {
		return 0, Analytics("count_buckets", err)
	}
	return n, nil
}

// Ping checks the underlying store.
func (p *Projector) Ping(ctx context.Context) error {
	if err := p.inspector.Ping(ctx); err != nil {
		return Unavailable(err)
	}
	return nil
}

// Project converts a persisted bucket into whole-token quantities.
func Project(st BucketState) ResourceView {
	scale := float64(st.Scale)
	if scale <= 0 {
		scale = DefaultScale
	}
	tokens := float64(st.Tokens) / scale
	rate := float64(st.RateSubtokens) / scale
	capacity := float64(st.CapacityTokens)

	v := ResourceView{
		Resource:   st.Resource,
		Capacity:   st.CapacityTokens,
		RatePerSec: rate,
		Tokens:     tokens,
	}
	if rate <= 0 {
		return v
	}
	if tokens < 1 {
		v.NextTokenSeconds = (1 - tokens) / rate
	}
	if tokens < capacity {
		v.FullRefillSeconds = (capacity - tokens) / rate
	}
	return v
}
