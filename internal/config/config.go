// Package config binds fetchengine's CLI surface using
// github.com/projectdiscovery/goflags, the way the teacher repo's CLI layer
// groups related flags under a single FlagSet.
package config

import (
	"time"

	"github.com/projectdiscovery/goflags"

	"github.com/slicingmelon/fetchengine/internal/engine"
)

// Options is the full CLI-bindable configuration: engine tuning (spec.md §6)
// plus the queue/identity endpoints a cmd/fetchengine binary needs to wire
// an Engine together.
type Options struct {
	// Queue
	RedisAddr string
	QueueName string

	// Engine tuning (mirrors engine.Options 1:1)
	PoolSize                  int
	PopIntervalSeconds        int
	RequestIntervalSeconds    int
	MaxEmptyRetry             int
	RequestTimeoutSeconds     int
	EachSizeFromQueue         int
	MaxFailureAllowed         int
	ResetEmptyPollsOnActivity bool

	// Identity
	ProxyURL string

	// Input
	URLsFile string

	// Ambient
	Verbose bool
	Debug   bool
}

// ParseFlags registers and parses the CLI flags, returning bound Options.
func ParseFlags() (*Options, error) {
	opts := &Options{}

	flagSet := goflags.NewFlagSet()
	flagSet.SetDescription("fetchengine: distributed HTTP fetch engine")

	flagSet.CreateGroup("queue", "Queue",
		flagSet.StringVarP(&opts.RedisAddr, "redis", "r", "127.0.0.1:6379", "Redis address backing the request queue"),
		flagSet.StringVarP(&opts.QueueName, "queue-name", "qn", "fetchengine:queue", "Redis list key used as the request queue"),
	)

	flagSet.CreateGroup("engine", "Engine",
		flagSet.IntVarP(&opts.PoolSize, "pool-size", "p", 20, "max concurrent workers"),
		flagSet.IntVarP(&opts.PopIntervalSeconds, "pop-interval", "pi", 1, "seconds between dispatch loop iterations"),
		flagSet.IntVarP(&opts.RequestIntervalSeconds, "request-interval", "ri", 0, "seconds between consecutive worker spawns within one batch"),
		flagSet.IntVarP(&opts.MaxEmptyRetry, "max-empty-retry", "mer", 2, "empty polls before self-quit, counted over the whole run unless -reset-empty-polls is set (-1 disables)"),
		flagSet.IntVarP(&opts.RequestTimeoutSeconds, "request-timeout", "rt", 10, "default per-item HTTP timeout in seconds"),
		flagSet.IntVarP(&opts.EachSizeFromQueue, "batch-size", "bs", 10, "items popped from the queue per batch"),
		flagSet.IntVarP(&opts.MaxFailureAllowed, "max-failure-allowed", "mfa", -1, "failure cap before self-quit (-1 disables)"),
		flagSet.BoolVarP(&opts.ResetEmptyPollsOnActivity, "reset-empty-polls", "rep", false, "reset empty-poll counter on any non-empty batch"),
	)

	flagSet.CreateGroup("identity", "Identity",
		flagSet.StringVarP(&opts.ProxyURL, "proxy", "x", "", "proxy URL for all requests (format: http://host:port)"),
	)

	flagSet.CreateGroup("input", "Input",
		flagSet.StringVarP(&opts.URLsFile, "urls-file", "l", "", "file containing one URL per line to seed the queue with"),
	)

	flagSet.CreateGroup("debug", "Debug",
		flagSet.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output"),
		flagSet.BoolVarP(&opts.Debug, "debug", "d", false, "debug output"),
	)

	if err := flagSet.Parse(); err != nil {
		return nil, err
	}
	return opts, nil
}

// EngineOptions projects the CLI-bound fields onto engine.Options.
func (o *Options) EngineOptions() engine.Options {
	return engine.Options{
		PoolSize:                  o.PoolSize,
		PopInterval:               time.Duration(o.PopIntervalSeconds) * time.Second,
		RequestInterval:           time.Duration(o.RequestIntervalSeconds) * time.Second,
		MaxEmptyRetry:             o.MaxEmptyRetry,
		RequestTimeout:            time.Duration(o.RequestTimeoutSeconds) * time.Second,
		EachSizeFromQueue:         o.EachSizeFromQueue,
		MaxFailureAllowed:         o.MaxFailureAllowed,
		ResetEmptyPollsOnActivity: o.ResetEmptyPollsOnActivity,
	}
}
