// Package netpolicy classifies the current network link and decides whether
// an artifact download may start automatically. The check is advisory and
// runs only at transfer start; an in-flight transfer is never cancelled
// because the link degraded.
package netpolicy

import (
	"context"

	"github.com/noteflow-ai/modelstore/types"
)

// Classification is the cost/availability class of the current link.
type Classification string

const (
	Unreachable Classification = "unreachable"
	Metered     Classification = "metered"
	Unmetered   Classification = "unmetered"
)

// Decision is the outcome of the policy check.
type Decision string

const (
	// Allow means the transfer may start immediately.
	Allow Decision = "allow"
	// RequireConfirmation means the artifact is large and the link is
	// metered; the caller must retry with an explicit override.
	RequireConfirmation Decision = "require_confirmation"
	// Deny means there is no usable connectivity.
	Deny Decision = "deny"
)

// Classifier reports the current link classification.
type Classifier interface {
	Classify(ctx context.Context) Classification
}

// Policy gates automatic downloads on link cost.
type Policy struct {
	// MeteredThresholdMB is the artifact size above which a metered link
	// requires explicit confirmation.
	MeteredThresholdMB int64
}

// Decide applies the policy to one descriptor under the given
// classification. override skips the metered-size confirmation but never
// overrides a missing link.
func (p Policy) Decide(desc types.ArtifactDescriptor, class Classification, override bool) Decision {
	switch class {
	case Unreachable:
		return Deny
	case Metered:
		if desc.ExpectedSizeMB > p.MeteredThresholdMB && !override {
			return RequireConfirmation
		}
	}
	return Allow
}

// DecisionError maps a non-Allow decision to the store error reported on
// the per-key state. Allow maps to nil.
func DecisionError(d Decision) *types.Error {
	switch d {
	case Deny:
		return types.NewError(types.ErrNoConnectivity, "no network connectivity").WithRetryable(true)
	case RequireConfirmation:
		return types.NewError(types.ErrPolicyBlocked, "download exceeds metered-network threshold, explicit override required").WithRetryable(true)
	default:
		return nil
	}
}
