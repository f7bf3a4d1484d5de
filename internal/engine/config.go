package engine

import "time"

// Options configures an Engine before Run. Defaults match spec.md §6.
type Options struct {
	PoolSize          int
	PopInterval       time.Duration
	RequestInterval   time.Duration
	MaxEmptyRetry     int
	RequestTimeout    time.Duration
	EachSizeFromQueue int
	MaxFailureAllowed int

	// ResetEmptyPollsOnActivity opts into resetting EmptyPolls back to zero
	// whenever a non-empty batch is dispatched, rather than the default
	// lifetime-cumulative counter the original source exhibits.
	ResetEmptyPollsOnActivity bool
}

// DefaultOptions returns the engine's default configuration table.
func DefaultOptions() Options {
	return Options{
		PoolSize:          20,
		PopInterval:       time.Second,
		RequestInterval:   0,
		MaxEmptyRetry:     2,
		RequestTimeout:    10 * time.Second,
		EachSizeFromQueue: 10,
		MaxFailureAllowed: -1,
	}
}
