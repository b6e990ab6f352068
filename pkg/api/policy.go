package api

import "time"

// RetryPolicy controls how a step dispatch is retried when it fails.
// MaxAttempts includes the first attempt:
//
//	MaxAttempts = 1 => no retries (just the initial dispatch)
//	MaxAttempts = 3 => initial dispatch + up to 2 retries
//
// InitialBackoff is the delay before the first retry; each subsequent
// retry multiplies it by BackoffMultiplier (default 2.0), capped at
// MaxBackoff when that is set.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// PersistMode controls whether the snapshot is written after a completed
// step carrying the governing tag.
type PersistMode int

const (
	// PersistAlways writes the snapshot after every completed step.
	// This is the default.
	PersistAlways PersistMode = iota

	// PersistOnChange skips the write when no state field changed during
	// the step. Suspension and terminal transitions always persist.
	PersistOnChange

	// PersistNever skips intermediate writes entirely; only suspension
	// and terminal transitions persist. Use for high-frequency flows
	// whose steps are safe to re-dispatch after a crash.
	PersistNever
)

// ResolveTimeout returns the dispatch timeout for a step with the given
// tags, or zero when none of the tags has an entry. The first tag with an
// entry wins.
func ResolveTimeout(table map[string]time.Duration, tags []string) time.Duration {
	for _, tag := range tags {
		if d, ok := table[tag]; ok {
			return d
		}
	}
	return 0
}

// ResolveRetry returns the retry policy for a step with the given tags.
// ok is false when no tag has an entry.
func ResolveRetry(table map[string]RetryPolicy, tags []string) (RetryPolicy, bool) {
	for _, tag := range tags {
		if p, found := table[tag]; found {
			return p, true
		}
	}
	return RetryPolicy{}, false
}

// ResolvePersist returns the persist mode for a step with the given tags,
// defaulting to PersistAlways.
func ResolvePersist(table map[string]PersistMode, tags []string) PersistMode {
	for _, tag := range tags {
		if m, ok := table[tag]; ok {
			return m
		}
	}
	return PersistAlways
}
