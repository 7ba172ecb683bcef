package netpolicy

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Hint is an operator-supplied link classification. The store runs on
// platforms where the process cannot ask the OS whether the link is
// metered, so the hint comes from configuration; the probe only settles
// reachability.
type Hint string

const (
	HintAuto    Hint = "auto"
	HintMetered Hint = "metered"
	HintOffline Hint = "offline"
)

// ProbeClassifier classifies the link by issuing a cheap HEAD request
// against a probe URL.
type ProbeClassifier struct {
	probeURL string
	hint     Hint
	client   *http.Client
	logger   *zap.Logger
}

// NewProbeClassifier builds a classifier probing probeURL. A nil logger is
// replaced with a nop logger.
func NewProbeClassifier(probeURL string, hint Hint, timeout time.Duration, logger *zap.Logger) *ProbeClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProbeClassifier{
		probeURL: probeURL,
		hint:     hint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With(zap.String("component", "net_classifier")),
	}
}

// Classify probes the link. An unreachable probe wins over any hint; a
// metered hint downgrades a reachable link to Metered.
func (c *ProbeClassifier) Classify(ctx context.Context) Classification {
	if c.hint == HintOffline {
		return Unreachable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.probeURL, nil)
	if err != nil {
		c.logger.Warn("invalid probe url", zap.String("url", c.probeURL), zap.Error(err))
		return Unreachable
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("connectivity probe failed", zap.Error(err))
		return Unreachable
	}
	resp.Body.Close()

	if c.hint == HintMetered {
		return Metered
	}
	return Unmetered
}

// Static is a fixed classification, useful for tests and for callers that
// already know the link state.
type Static Classification

// Classify returns the fixed classification.
func (s Static) Classify(context.Context) Classification {
	return Classification(s)
}
