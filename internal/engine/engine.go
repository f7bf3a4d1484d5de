// Package engine implements the Request Engine (C5): the dispatch loop,
// the admission-controlled worker pool, the per-item before/HTTP/after
// pipeline, and the signal-driven graceful-quit state machine. This is the
// largest and most load-bearing package; everything else in the module
// exists to be wired in here.
package engine

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/slicingmelon/fetchengine/internal/errorstats"
	"github.com/slicingmelon/fetchengine/internal/httpclient"
	"github.com/slicingmelon/fetchengine/internal/identity"
	"github.com/slicingmelon/fetchengine/internal/item"
	"github.com/slicingmelon/fetchengine/internal/logger"
	"github.com/slicingmelon/fetchengine/internal/processor"
	"github.com/slicingmelon/fetchengine/internal/queue"
)

// ErrNoQueue and ErrNoClient are returned by Run when required collaborators
// were never attached.
var (
	ErrNoQueue  = errors.New("engine: no queue attached")
	ErrNoClient = errors.New("engine: no HTTP client attached")
)

type runState int32

const (
	stateIdle runState = iota
	stateRunning
	stateDraining
	stateStopped
)

// drainPollInterval is the supervisor's fixed drain poll cadence (spec.md
// §4.5.2 step 1), independent of the configured pop_interval.
const drainPollInterval = time.Second

// Engine is the scheduler described by spec.md §4.5: it owns its own
// counters and signal handlers rather than relying on process globals.
type Engine struct {
	mu sync.Mutex

	opts     Options
	q        queue.Queue
	uaProv   identity.UserAgentProvider
	proxy    identity.ProxyProvider
	registry *processor.Registry
	doer     httpclient.Doer
	errStats *errorstats.Tracker

	beforeEach []string
	afterEach  []string

	state         atomic.Int32
	active        atomic.Bool
	quitRequested atomic.Bool
	failures      atomic.Int64
	emptyPolls    atomic.Int64
	dispatched    atomic.Int64
	liveWorkers   atomic.Int64
}

// New returns an idle Engine with default options and a registry seeded with
// the reserved "default" no-op slot.
func New() *Engine {
	e := &Engine{
		opts:     DefaultOptions(),
		registry: processor.NewRegistry(),
	}
	e.state.Store(int32(stateIdle))
	return e
}

// Configure replaces the engine's runtime configuration. Must be called
// before Run.
func (e *Engine) Configure(opts Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = opts
}

// AttachQueue installs the Request Queue the dispatch loop drains.
func (e *Engine) AttachQueue(q queue.Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.q = q
}

// SetUserAgent installs the optional User-Agent provider.
func (e *Engine) SetUserAgent(p identity.UserAgentProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uaProv = p
}

// SetProxy installs the optional proxy provider.
func (e *Engine) SetProxy(p identity.ProxyProvider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxy = p
}

// SetHTTPClient installs the external HTTP call executor. Required before Run.
func (e *Engine) SetHTTPClient(d httpclient.Doer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doer = d
}

// SetErrorTracker attaches the ambient errorstats.Tracker. Optional: the
// engine's failures counter is correct with or without it.
func (e *Engine) SetErrorTracker(t *errorstats.Tracker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errStats = t
}

// RegisterProcessor installs or replaces the processor bound to name
// ("default" if name is empty).
func (e *Engine) RegisterProcessor(name string, p processor.Processor) {
	if name == "" {
		name = processor.DefaultName
	}
	e.registry.Set(name, p)
}

// BeforeEach appends processor names invoked (in order, after the item's own
// before-hook) for every item.
func (e *Engine) BeforeEach(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.beforeEach = append(e.beforeEach, names...)
}

// AfterEach appends processor names invoked (in order, after the item's own
// after-hook) for every item.
func (e *Engine) AfterEach(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterEach = append(e.afterEach, names...)
}

// WorkerCount returns the number of currently-occupied worker slots.
func (e *Engine) WorkerCount() int {
	return int(e.liveWorkers.Load())
}

// Failures returns the lifetime failures counter.
func (e *Engine) Failures() int64 { return e.failures.Load() }

// EmptyPolls returns the lifetime (or, with ResetEmptyPollsOnActivity,
// consecutive) empty-poll counter.
func (e *Engine) EmptyPolls() int64 { return e.emptyPolls.Load() }

// Quit requests a graceful shutdown. Idempotent and safe to call from a
// signal handler or concurrently with Run.
func (e *Engine) Quit() {
	e.quitRequested.CompareAndSwap(false, true)
}

// Run starts the dispatch loop on the calling goroutine and blocks until the
// engine has gracefully quit (idle -> running -> draining -> stopped).
// callOverrides is merged into every item's call before the before-hooks run.
func (e *Engine) Run(ctx context.Context, callOverrides map[string]any) error {
	e.mu.Lock()
	q := e.q
	doer := e.doer
	opts := e.opts
	e.mu.Unlock()

	if q == nil {
		return ErrNoQueue
	}
	if doer == nil {
		return ErrNoClient
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			e.Quit()
		}
	}()

	sem := make(chan struct{}, opts.PoolSize)
	var wg sync.WaitGroup

	e.active.Store(true)
	e.state.Store(int32(stateRunning))

	for {
		if e.quitRequested.Load() {
			e.state.Store(int32(stateDraining))
			for e.liveWorkers.Load() > 0 {
				time.Sleep(drainPollInterval)
			}
			wg.Wait()
			e.active.Store(false)
			e.state.Store(int32(stateStopped))
			logger.PrintRunSummary(e.dispatched.Load(), e.failures.Load(), e.emptyPolls.Load())
			return nil
		}

		if opts.MaxFailureAllowed >= 0 && e.failures.Load() >= int64(opts.MaxFailureAllowed) {
			e.Quit()
			continue
		}

		batch, err := q.Pop(ctx, opts.EachSizeFromQueue, func(de *queue.DecodeError) {
			logger.Warning().Msgf("dropping malformed queue entry: %v", de)
		})
		if err != nil {
			return err
		}

		if len(batch) > 0 {
			if opts.ResetEmptyPollsOnActivity {
				e.emptyPolls.Store(0)
			}
			e.dispatched.Add(int64(len(batch)))

			for _, it := range batch {
				sem <- struct{}{}
				wg.Add(1)
				e.liveWorkers.Add(1)

				go func(it *item.Item) {
					defer func() {
						e.liveWorkers.Add(-1)
						wg.Done()
						<-sem
					}()
					e.runWorker(ctx, it, callOverrides)
				}(it)

				if opts.RequestInterval > 0 {
					time.Sleep(opts.RequestInterval)
				}
			}
		} else {
			e.emptyPolls.Add(1)
			if opts.MaxEmptyRetry >= 0 && e.emptyPolls.Load() >= int64(opts.MaxEmptyRetry) {
				e.Quit()
			}
		}

		time.Sleep(opts.PopInterval)
	}
}

// runWorker executes spec.md §4.5.3's per-item pipeline. Panics inside hooks
// are treated as the HookError kind and recovered locally, matching the
// original source's try/except-per-phase shape.
func (e *Engine) runWorker(ctx context.Context, it *item.Item, callOverrides map[string]any) {
	host := hostOf(it.URL())

	var failureRecorded bool
	recordFailure := func(kind errorstats.Kind) {
		if failureRecorded {
			return
		}
		failureRecorded = true
		e.failures.Add(1)
		if e.errStats != nil {
			e.errStats.Record(host, kind)
		}
	}

	// A. Prepare call.
	for k, v := range callOverrides {
		it.Call[k] = v
	}
	if e.uaProv != nil {
		headers, _ := it.Call["headers"].(map[string]string)
		if headers == nil {
			headers = map[string]string{}
		}
		headers["User-Agent"] = e.uaProv.Provide()
		it.Call["headers"] = headers
	}
	var proxyResult *identity.ProxyResult
	if e.proxy != nil {
		proxyResult = e.proxy.Provide()
		if proxyResult != nil {
			proxies, _ := it.Call["proxies"].(map[string]string)
			if proxies == nil {
				proxies = map[string]string{}
			}
			proxies["http"] = proxyResult.Endpoint
			proxies["https"] = proxyResult.Endpoint
			it.Call["proxies"] = proxies
		}
	}

	data := make(map[string]any)
	attempt := e.runBeforeHooks(it, data, recordFailure)

	var resp *httpclient.Response
	result := false

	if attempt {
		timeout := e.opts.RequestTimeout
		if t, ok := timeoutOverride(it.RawInfo); ok {
			timeout = t
		}
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		r, err := e.doer.Do(callCtx, it.Call)
		cancel()
		if err != nil {
			kind := errorstats.KindRequest
			if errors.Is(err, context.DeadlineExceeded) {
				kind = errorstats.KindTimeout
			}
			recordFailure(kind)
		} else {
			resp = r
			result = true
		}

		e.runAfterHooks(it, resp, result, data, recordFailure)

		if e.proxy != nil && proxyResult != nil {
			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			e.proxy.Callback(proxyResult, result, statusCode, it.URL())
		}
	}
}

// runBeforeHooks returns true unless the item's named before-hook returns
// the literal bool false, which short-circuits the HTTP call entirely.
func (e *Engine) runBeforeHooks(it *item.Item, data map[string]any, recordFailure func(errorstats.Kind)) (attempt bool) {
	attempt = true
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Host(hostOf(it.URL())).DebugToken(it.ID).Msgf("before-hook panic: %v", r)
			recordFailure(errorstats.KindHook)
		}
	}()

	args := processor.BeforeArgs{Request: it, Extra: it.RawInfo, Data: data}
	ret := e.registry.RouteBefore(it.Processors.Before, args)
	if b, ok := ret.(bool); ok && !b {
		attempt = false
	}

	e.mu.Lock()
	beforeEach := e.beforeEach
	e.mu.Unlock()
	for _, name := range beforeEach {
		e.registry.RouteBefore(name, args)
	}
	return attempt
}

func (e *Engine) runAfterHooks(it *item.Item, resp *httpclient.Response, result bool, data map[string]any, recordFailure func(errorstats.Kind)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Host(hostOf(it.URL())).DebugToken(it.ID).Msgf("after-hook panic: %v", r)
			recordFailure(errorstats.KindHook)
		}
	}()

	args := processor.AfterArgs{Response: resp, Request: it, Extra: it.RawInfo, Result: result, Data: data}
	e.registry.RouteAfter(it.Processors.After, args)

	e.mu.Lock()
	afterEach := e.afterEach
	e.mu.Unlock()
	for _, name := range afterEach {
		e.registry.RouteAfter(name, args)
	}
}

// timeoutOverride reads raw_info._timeout, accepting a time.Duration or a
// plain number of seconds.
func timeoutOverride(rawInfo any) (time.Duration, bool) {
	m, ok := rawInfo.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := m["_timeout"]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case time.Duration:
		return t, true
	case float64:
		return time.Duration(t * float64(time.Second)), true
	case int:
		return time.Duration(t) * time.Second, true
	default:
		// Items decoded from the queue carry msgpack's sized numeric types
		// (int8, int64, uint8, float32, ...).
		rv := reflect.ValueOf(v)
		switch {
		case rv.CanInt():
			return time.Duration(rv.Int()) * time.Second, true
		case rv.CanUint():
			return time.Duration(rv.Uint()) * time.Second, true
		case rv.CanFloat():
			return time.Duration(rv.Float() * float64(time.Second)), true
		}
		return 0, false
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
