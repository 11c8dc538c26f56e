package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gxo-labs/runway/internal/template"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
)

// Operation is one attempt of a retried action.
type Operation func(ctx context.Context) error

// Config describes how an operation is retried.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	// Name prefixes log lines, usually a node or job identifier.
	Name string
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
}

// normalized clamps nonsensical values into range.
func (cfg Config) normalized() Config {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	return cfg
}

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Float64()
}

// Backoff returns the wait before the attempt following `attempt` (1-based):
// Delay * BackoffFactor^(attempt-1), jittered and capped at MaxDelay.
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = cfg.normalized()
	if attempt < 1 {
		attempt = 1
	}
	base := float64(cfg.Delay)
	if cfg.BackoffFactor > 1.0 {
		base *= math.Pow(cfg.BackoffFactor, float64(attempt-1))
	}
	if base > float64(math.MaxInt64) {
		base = float64(math.MaxInt64)
	}
	wait := time.Duration(base)

	if cfg.Jitter > 0.0 {
		jitterFactor := cfg.Jitter * (randFloat()*2.0 - 1.0)
		wait += time.Duration(float64(wait) * jitterFactor)
		if wait < 0 {
			wait = 0
		}
	}
	if cfg.MaxDelay > 0 && wait > cfg.MaxDelay {
		wait = cfg.MaxDelay
	}
	return wait
}

// Helper runs operations under a retry Config, logging each failure with
// sensitive values redacted.
type Helper struct {
	log              rwlog.Logger
	redactedKeywords map[string]struct{}
}

// NewHelper creates a Helper.
func NewHelper(log rwlog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:              log,
		redactedKeywords: make(map[string]struct{}),
	}
}

// SetRedactedKeywords sets keywords whose values are masked in logged errors.
func (h *Helper) SetRedactedKeywords(keywords map[string]struct{}) {
	h.redactedKeywords = keywords
}

// Do runs op until it succeeds, attempts are exhausted, the error is not
// retryable or ctx ends. The last error is returned unredacted so callers can
// inspect its type; only log output is redacted.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	cfg = cfg.normalized()

	var lastErr error
	logPrefix := ""
	if cfg.Name != "" {
		logPrefix = fmt.Sprintf("%s: ", cfg.Name)
	}

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			h.log.Warnf("%sattempt %d/%d cancelled before start: %v", logPrefix, attempt, cfg.Attempts, err)
			if lastErr == nil {
				return err
			}
			return lastErr
		}

		err := op(ctx)
		lastErr = err
		if err == nil {
			if attempt > 1 {
				h.log.Infof("%soperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			break
		}

		wait := Backoff(cfg, attempt)
		h.log.Warnf("%soperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, wait.Truncate(time.Millisecond), template.RedactSecretsInError(err, h.redactedKeywords))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			h.log.Warnf("%sretry delay before attempt %d/%d cancelled: %v", logPrefix, attempt+1, cfg.Attempts, ctx.Err())
			return lastErr
		}
	}

	if cfg.Attempts > 1 {
		h.log.Debugf("%soperation failed after %d attempt(s): %v", logPrefix, cfg.Attempts, template.RedactSecretsInError(lastErr, h.redactedKeywords))
	}
	return lastErr
}
