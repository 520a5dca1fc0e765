// Package post holds the delivery policies applied to scheduled posts.
package post

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// leaseMargin is added on top of the run deadline when a batch lease is stretched.
const leaseMargin = 30 * time.Second

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceDefault indicates the configured lease already covered the run.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceStretched indicates the lease was extended to outlive the run deadline.
	LeaseSourceStretched LeaseSource = "stretched"
)

// LeasePolicy decides how long claimed posts stay in_flight.
//
// Posts in one claim are published sequentially. The resolved lease never ends
// before the run can, so a post is not requeued while a run may still publish it.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// LeaseRequest describes the run a claim is made for.
type LeaseRequest struct {
	BatchSize      int
	PublishTimeout time.Duration
	RunTimeout     time.Duration
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Duration time.Duration
	Source   LeaseSource
}

// Stretched reports whether the policy extended the default lease.
func (d LeaseDecision) Stretched() bool {
	return d.Source == LeaseSourceStretched
}

// Resolve returns the lease to use for a claim, rounded up to whole seconds.
func (p *LeasePolicy) Resolve(req LeaseRequest) LeaseDecision {
	if p == nil {
		return LeaseDecision{Source: LeaseSourceDefault}
	}

	need := req.RunTimeout
	if worst := time.Duration(max(req.BatchSize, 1)) * req.PublishTimeout; req.RunTimeout <= 0 || worst < need {
		need = worst
	}
	need += leaseMargin

	if need <= p.defaultLease {
		return LeaseDecision{Duration: roundUpSeconds(p.defaultLease), Source: LeaseSourceDefault}
	}
	return LeaseDecision{Duration: roundUpSeconds(need), Source: LeaseSourceStretched}
}

func roundUpSeconds(d time.Duration) time.Duration {
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	if d < time.Second {
		d = time.Second
	}
	return d
}
