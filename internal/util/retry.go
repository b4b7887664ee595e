package util

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OutputNotReady is returned by the tunnel bridge's prove step when the L2
// output root has not yet been posted. It is always retryable.
const OutputNotReady = "OUTPUT_NOT_READY"

// transientSubstrings classifies errors by matching against their string
// form, the way the teacher's own code branches on formatted error text
// (e.g. receipt.Status != "0x1") rather than sentinel error values coming
// from third-party RPC/HTTP clients.
var transientSubstrings = []string{
	"timeout",
	"timed out",
	"econnreset",
	"connection reset",
	"429",
	"too many requests",
	"502",
	"503",
	"504",
	"bad gateway",
	"socket hang up",
	"simulation failed",
	"simulation reverted", // route may have moved; worth a re-quote + retry
	OutputNotReady,
}

var permanentSubstrings = []string{
	"execution reverted",
	"insufficient balance",
	"user rejected",
}

// IsTransient classifies err as retryable network/rate-limit/timeout/
// simulation conditions. Permanent substrings are checked first so that an
// error containing both (unlikely, but possible from verbose RPC nodes)
// resolves to non-retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range permanentSubstrings {
		if strings.Contains(msg, s) {
			return false
		}
	}
	for _, s := range transientSubstrings {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// RetryConfig bounds the exponential backoff used by WithRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Classifier  func(error) bool // defaults to IsTransient when nil
}

// WithRetry runs fn with exponential backoff, re-raising the last error once
// the classifier says an error is permanent or the attempt budget is
// exhausted.
func WithRetry(cfg RetryConfig, fn func() error) error {
	classifier := cfg.Classifier
	if classifier == nil {
		classifier = IsTransient
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.MaxElapsedTime = 0 // bounded by attempt count below, not wall clock

	attempts := 0
	operation := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !classifier(err) {
			return backoff.Permanent(err)
		}
		if cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, b)
}
