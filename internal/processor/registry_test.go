package processor

import "testing"

type recordingProcessor struct {
	beforeCalls int
	afterCalls  int
}

func (p *recordingProcessor) ProcessBefore(args BeforeArgs) any {
	p.beforeCalls++
	return args.Data["stop"]
}

func (p *recordingProcessor) ProcessAfter(args AfterArgs) {
	p.afterCalls++
}

func TestDefaultSlotIsPreseeded(t *testing.T) {
	r := NewRegistry()
	// Must not panic and must be a genuine no-op.
	if got := r.RouteBefore("", BeforeArgs{}); got != nil {
		t.Fatalf("default before-hook returned %v, want nil", got)
	}
	r.RouteAfter("", AfterArgs{})
}

func TestRouteBeforeEmptyNameGoesToDefault(t *testing.T) {
	r := NewRegistry()
	p := &recordingProcessor{}
	r.Set(DefaultName, p)

	r.RouteBefore("", BeforeArgs{Data: map[string]any{}})
	if p.beforeCalls != 1 {
		t.Fatalf("expected default slot invoked once, got %d", p.beforeCalls)
	}
}

func TestRouteMissingNameIsSilentNoop(t *testing.T) {
	r := NewRegistry()
	if got := r.RouteBefore("does-not-exist", BeforeArgs{}); got != nil {
		t.Fatalf("missing name should no-op, got %v", got)
	}
	r.RouteAfter("also-missing", AfterArgs{})
}

func TestSetReplacesExistingProcessor(t *testing.T) {
	r := NewRegistry()
	first := &recordingProcessor{}
	second := &recordingProcessor{}
	r.Set("hook", first)
	r.Set("hook", second)

	r.RouteBefore("hook", BeforeArgs{Data: map[string]any{}})
	if first.beforeCalls != 0 || second.beforeCalls != 1 {
		t.Fatalf("Set should replace, not stack: first=%d second=%d", first.beforeCalls, second.beforeCalls)
	}
}
