package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/slicingmelon/fetchengine/internal/httpclient"
	"github.com/slicingmelon/fetchengine/internal/item"
	"github.com/slicingmelon/fetchengine/internal/processor"
	"github.com/slicingmelon/fetchengine/internal/queue"
)

// fakeQueue is an in-memory queue.Queue for dispatch-loop tests.
type fakeQueue struct {
	mu     sync.Mutex
	items  []*item.Item
	active bool
}

func newFakeQueue(items ...*item.Item) *fakeQueue {
	return &fakeQueue{items: items, active: true}
}

func (q *fakeQueue) Pop(_ context.Context, n int, _ func(*queue.DecodeError)) ([]*item.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active || len(q.items) == 0 {
		return []*item.Item{}, nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	return batch, nil
}

func (q *fakeQueue) Push(_ context.Context, items ...*item.Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
	return nil
}

func (q *fakeQueue) Clear(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	return nil
}

func (q *fakeQueue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *fakeQueue) SetActive(v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = v
}

// fakeDoer adapts a plain function to httpclient.Doer.
type fakeDoer struct {
	fn func(ctx context.Context, call map[string]any) (*httpclient.Response, error)
}

func (d *fakeDoer) Do(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
	return d.fn(ctx, call)
}

// funcProcessor adapts plain functions to processor.Processor.
type funcProcessor struct {
	before func(processor.BeforeArgs) any
	after  func(processor.AfterArgs)
}

func (f *funcProcessor) ProcessBefore(args processor.BeforeArgs) any {
	if f.before == nil {
		return nil
	}
	return f.before(args)
}

func (f *funcProcessor) ProcessAfter(args processor.AfterArgs) {
	if f.after != nil {
		f.after(args)
	}
}

func mustItem(t *testing.T, url string, rawInfo any, procs item.Processors) *item.Item {
	t.Helper()
	it, err := item.New("GET", url, item.WithRawInfo(rawInfo), item.WithProcessors(procs))
	if err != nil {
		t.Fatalf("item.New: %v", err)
	}
	return it
}

func okDoer() *fakeDoer {
	return &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		return &httpclient.Response{StatusCode: 200}, nil
	}}
}

func newTestEngine(q queue.Queue, d httpclient.Doer, opts Options) *Engine {
	e := New()
	e.Configure(opts)
	e.AttachQueue(q)
	e.SetHTTPClient(d)
	return e
}

func fastOptions() Options {
	return Options{
		PoolSize:          4,
		PopInterval:       5 * time.Millisecond,
		RequestInterval:   0,
		MaxEmptyRetry:     2,
		RequestTimeout:    time.Second,
		EachSizeFromQueue: 10,
		MaxFailureAllowed: -1,
	}
}

func TestEmptyQuitAfterMaxEmptyRetry(t *testing.T) {
	q := newFakeQueue()
	opts := fastOptions()
	opts.MaxEmptyRetry = 2
	e := newTestEngine(q, okDoer(), opts)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not self-quit on empty queue")
	}
	if e.EmptyPolls() < 2 {
		t.Fatalf("expected at least 2 empty polls, got %d", e.EmptyPolls())
	}
}

func TestFailureCapQuitsWithoutNewBatches(t *testing.T) {
	it1 := mustItem(t, "http://one.example/", nil, item.Processors{Before: "fails"})
	it2 := mustItem(t, "http://two.example/", nil, item.Processors{Before: "fails"})
	q := newFakeQueue(it1, it2)

	opts := fastOptions()
	opts.MaxFailureAllowed = 1
	opts.EachSizeFromQueue = 10

	e := newTestEngine(q, okDoer(), opts)
	e.RegisterProcessor("fails", &funcProcessor{
		before: func(processor.BeforeArgs) any { panic("boom") },
	})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not quit after failure cap reached")
	}
	if e.Failures() < 1 {
		t.Fatalf("expected at least 1 failure, got %d", e.Failures())
	}
}

func TestGracefulQuitWaitsForWorkers(t *testing.T) {
	release := make(chan struct{})
	slowDoer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		<-release
		return &httpclient.Response{StatusCode: 200}, nil
	}}

	it := mustItem(t, "http://slow.example/", nil, item.Processors{})
	q := newFakeQueue(it)
	opts := fastOptions()
	e := newTestEngine(q, slowDoer, opts)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	// Give the dispatch loop a moment to spawn the worker, then request quit
	// while it is still in flight.
	time.Sleep(50 * time.Millisecond)
	e.Quit()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight worker finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after worker completed")
	}
	if e.WorkerCount() != 0 {
		t.Fatalf("expected 0 live workers after drain, got %d", e.WorkerCount())
	}
}

func TestBackpressureNeverExceedsPoolSize(t *testing.T) {
	const poolSize = 2
	release := make(chan struct{})
	var live atomic.Int32
	var maxLive atomic.Int32

	blockingDoer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		n := live.Add(1)
		for {
			cur := maxLive.Load()
			if n <= cur || maxLive.CompareAndSwap(cur, n) {
				break
			}
		}
		<-release
		live.Add(-1)
		return &httpclient.Response{StatusCode: 200}, nil
	}}

	items := make([]*item.Item, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, mustItem(t, "http://pool.example/", nil, item.Processors{}))
	}
	q := newFakeQueue(items...)

	opts := fastOptions()
	opts.PoolSize = poolSize
	opts.EachSizeFromQueue = 6
	opts.MaxEmptyRetry = 3
	e := newTestEngine(q, blockingDoer, opts)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not complete")
	}

	if got := maxLive.Load(); got > poolSize {
		t.Fatalf("observed %d concurrent workers, want <= %d", got, poolSize)
	}
}

func TestShortCircuitSkipsHTTPAndAfterHook(t *testing.T) {
	var httpCalled, afterCalled atomic.Bool
	doer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		httpCalled.Store(true)
		return &httpclient.Response{StatusCode: 200}, nil
	}}

	e := New()
	e.Configure(fastOptions())
	e.AttachQueue(newFakeQueue())
	e.SetHTTPClient(doer)
	e.RegisterProcessor("skip", &funcProcessor{
		before: func(processor.BeforeArgs) any { return false },
		after:  func(processor.AfterArgs) { afterCalled.Store(true) },
	})

	it := mustItem(t, "http://skip.example/", nil, item.Processors{Before: "skip", After: "skip"})
	e.runWorker(context.Background(), it, nil)

	if httpCalled.Load() {
		t.Fatal("HTTP call issued despite before-hook returning false")
	}
	if afterCalled.Load() {
		t.Fatal("after-hook invoked despite short-circuit")
	}
	if e.Failures() != 0 {
		t.Fatalf("short-circuit must not count as a failure, got %d", e.Failures())
	}
}

func TestAtMostOneFailurePerItem(t *testing.T) {
	failingDoer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		return nil, context.DeadlineExceeded
	}}

	e := New()
	e.Configure(fastOptions())
	e.AttachQueue(newFakeQueue())
	e.SetHTTPClient(failingDoer)
	e.RegisterProcessor("panics", &funcProcessor{
		before: func(processor.BeforeArgs) any { panic("before blew up") },
	})

	it := mustItem(t, "http://double-fail.example/", nil, item.Processors{Before: "panics"})

	before := e.Failures()
	e.runWorker(context.Background(), it, nil)
	after := e.Failures()

	if diff := after - before; diff != 1 {
		t.Fatalf("expected exactly one failure recorded, got delta %d", diff)
	}
}

func TestTimeoutBound(t *testing.T) {
	hangingDoer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	e := New()
	opts := fastOptions()
	opts.RequestTimeout = 50 * time.Millisecond
	e.Configure(opts)
	e.AttachQueue(newFakeQueue())
	e.SetHTTPClient(hangingDoer)

	it := mustItem(t, "http://timeout.example/", nil, item.Processors{})

	start := time.Now()
	e.runWorker(context.Background(), it, nil)
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Fatalf("HTTP phase took %v, want close to the 50ms timeout", elapsed)
	}
	if e.Failures() != 1 {
		t.Fatalf("expected timeout to count as one failure, got %d", e.Failures())
	}
}

// TestHooksFireWithSessionRecording reproduces spec.md §8 scenario 3/4:
// three items carrying raw_info.index in {"1","2","3"}; the before-hook
// records a session_<index> key, and the after-hook records the per-item
// result flag (URL 3 fails, 1 and 2 succeed).
func TestHooksFireWithSessionRecording(t *testing.T) {
	type sessionRecord struct {
		result bool
	}
	var mu sync.Mutex
	sessions := make(map[string]*sessionRecord)

	before := func(args processor.BeforeArgs) any {
		raw, _ := args.Extra.(map[string]any)
		idx, _ := raw["index"].(string)
		mu.Lock()
		sessions["session_"+idx] = &sessionRecord{}
		mu.Unlock()
		return nil
	}
	after := func(args processor.AfterArgs) {
		raw, _ := args.Extra.(map[string]any)
		idx, _ := raw["index"].(string)
		mu.Lock()
		defer mu.Unlock()
		rec := sessions["session_"+idx]
		if rec == nil {
			rec = &sessionRecord{}
			sessions["session_"+idx] = rec
		}
		rec.result = args.Result
	}

	doer := &fakeDoer{fn: func(ctx context.Context, call map[string]any) (*httpclient.Response, error) {
		url, _ := call["url"].(string)
		if url == "http://unresolvable.example/3" {
			return nil, context.DeadlineExceeded
		}
		return &httpclient.Response{StatusCode: 200}, nil
	}}

	items := []*item.Item{
		mustItem(t, "http://ok.example/1", map[string]any{"index": "1"}, item.Processors{Before: "session", After: "session"}),
		mustItem(t, "http://ok.example/2", map[string]any{"index": "2"}, item.Processors{Before: "session", After: "session"}),
		mustItem(t, "http://unresolvable.example/3", map[string]any{"index": "3"}, item.Processors{Before: "session", After: "session"}),
	}
	q := newFakeQueue(items...)

	opts := fastOptions()
	opts.EachSizeFromQueue = 10
	opts.MaxEmptyRetry = 2
	e := newTestEngine(q, doer, opts)
	e.RegisterProcessor("session", &funcProcessor{before: before, after: after})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not drain in time")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, key := range []string{"session_1", "session_2", "session_3"} {
		if _, ok := sessions[key]; !ok {
			t.Fatalf("missing %s in session records: %v", key, sessions)
		}
	}
	if !sessions["session_1"].result {
		t.Fatal("session_1 expected result=true")
	}
	if sessions["session_3"].result {
		t.Fatal("session_3 expected result=false")
	}
}
