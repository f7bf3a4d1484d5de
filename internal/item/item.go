// Package item implements the Request Item: an immutable-ish descriptor of
// one HTTP call plus opaque metadata and named hook selectors.
package item

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrDecode is returned when an encoded item cannot be unpacked.
var ErrDecode = errors.New("item: decode failed")

// ErrValidation is returned when a constructed item is missing required fields.
var ErrValidation = errors.New("item: validation failed")

// DecodeError wraps the underlying msgpack failure for an individual
// malformed queue entry.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%v: %v", ErrDecode, e.Cause) }
func (e *DecodeError) Unwrap() error { return ErrDecode }

// ValidationError reports a missing required field on explicit construction.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: missing required field %q", ErrValidation, e.Field)
}
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Processors names the before/after hooks routed by the processor registry
// for a single item. A zero value means "use the registry's default slot".
type Processors struct {
	Before string `msgpack:"before,omitempty"`
	After  string `msgpack:"after,omitempty"`
}

// IsZero reports whether neither hook name is set.
func (p Processors) IsZero() bool { return p.Before == "" && p.After == "" }

// Item is the unit of work drained from the Request Queue. Call carries the
// HTTP call parameters verbatim (method, url, headers, body, proxies,
// timeout, query parameters, ...); the engine only ever reads/writes the
// "headers" and "proxies" keys plus the implicit raw_info._timeout override.
type Item struct {
	Call       map[string]any
	RawInfo    any
	Processors Processors

	// ID is a process-local correlation token for logging (e.g. the debug
	// token attached to a worker's log lines); it is never part of the wire
	// format and is regenerated fresh on every decode.
	ID string
}

// New constructs an item from explicit fields. method and url are required;
// missing either is a ValidationError. processors and rawInfo are optional.
func New(method, url string, opts ...Option) (*Item, error) {
	if method == "" {
		return nil, &ValidationError{Field: "method"}
	}
	if url == "" {
		return nil, &ValidationError{Field: "url"}
	}

	it := &Item{
		ID: uuid.NewString(),
		Call: map[string]any{
			"method": method,
			"url":    url,
		},
	}
	for _, opt := range opts {
		opt(it)
	}
	return it, nil
}

// Option configures an Item at construction time.
type Option func(*Item)

// WithRawInfo attaches opaque metadata threaded to hooks.
func WithRawInfo(raw any) Option {
	return func(it *Item) { it.RawInfo = raw }
}

// WithProcessors names the before/after hooks for this item.
func WithProcessors(p Processors) Option {
	return func(it *Item) { it.Processors = p }
}

// WithCallParam sets an additional HTTP-call key (headers, body, timeout, ...).
func WithCallParam(key string, value any) Option {
	return func(it *Item) { it.Call[key] = value }
}

// Decode builds an item from its canonical encoded form.
func Decode(encoded []byte) (*Item, error) {
	var raw map[string]any
	if err := msgpack.Unmarshal(encoded, &raw); err != nil {
		return nil, &DecodeError{Cause: err}
	}

	it := &Item{ID: uuid.NewString(), Call: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "raw_info":
			it.RawInfo = v
		case "processors":
			if m, ok := v.(map[string]any); ok {
				if b, ok := m["before"].(string); ok {
					it.Processors.Before = b
				}
				if a, ok := m["after"].(string); ok {
					it.Processors.After = a
				}
			}
		default:
			it.Call[k] = v
		}
	}

	if _, ok := it.Call["method"]; !ok {
		return nil, &DecodeError{Cause: errors.New("missing call.method")}
	}
	if _, ok := it.Call["url"]; !ok {
		return nil, &DecodeError{Cause: errors.New("missing call.url")}
	}
	return it, nil
}

// Update overwrites processors/rawInfo/call-kwargs. A zero Processors value
// or a nil rawInfo leaves the corresponding field untouched, matching the
// original Python source's truthy-guarded update().
func (it *Item) Update(processors Processors, rawInfo any, callOverrides map[string]any) {
	if !processors.IsZero() {
		it.Processors = processors
	}
	if rawInfo != nil {
		it.RawInfo = rawInfo
	}
	maps.Copy(it.Call, callOverrides)
}

// Dumps returns the canonical pre-encoding mapping: call's keys at the top
// level, plus "raw_info" and "processors" only when non-empty.
func (it *Item) Dumps() map[string]any {
	out := make(map[string]any, len(it.Call)+2)
	maps.Copy(out, it.Call)
	if it.RawInfo != nil {
		out["raw_info"] = it.RawInfo
	}
	if !it.Processors.IsZero() {
		m := map[string]any{}
		if it.Processors.Before != "" {
			m["before"] = it.Processors.Before
		}
		if it.Processors.After != "" {
			m["after"] = it.Processors.After
		}
		out["processors"] = m
	}
	return out
}

// Encode returns the canonical binary (msgpack) serialization of Dumps().
func (it *Item) Encode() ([]byte, error) {
	return msgpack.Marshal(it.Dumps())
}

// Equal reports structural equality of call, raw_info and processors,
// the round-trip guarantee spec.md requires of decode(encode(x)).
func (it *Item) Equal(other *Item) bool {
	if other == nil {
		return false
	}
	if it.Processors != other.Processors {
		return false
	}
	if !rawInfoEqual(it.RawInfo, other.RawInfo) {
		return false
	}
	if len(it.Call) != len(other.Call) {
		return false
	}
	for k, v := range it.Call {
		ov, ok := other.Call[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(ov) {
			return false
		}
	}
	return true
}

func rawInfoEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Method returns the call's method, which is always present after
// construction or decode.
func (it *Item) Method() string {
	m, _ := it.Call["method"].(string)
	return m
}

// URL returns the call's url, which is always present after construction or decode.
func (it *Item) URL() string {
	u, _ := it.Call["url"].(string)
	return u
}
