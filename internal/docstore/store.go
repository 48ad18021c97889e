// Package docstore is a small document store with live queries.
//
// Documents are addressed by slash separated paths that alternate
// collection and document ids ("rooms/R1/presence/u1"). Field names may be
// dotted to address nested maps ("cursor.x").
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("docstore: document not found")
	ErrPermissionDenied = errors.New("docstore: permission denied")
	ErrClosed           = errors.New("docstore: store closed")
	ErrInvalidPath      = errors.New("docstore: invalid document path")
)

// Fields is the field set of a document.
type Fields map[string]any

// serverTimestamp is replaced by the store clock when a write is applied.
type serverTimestamp struct{}

// ServerTimestamp can be used as a field value in Set and Update.
var ServerTimestamp any = serverTimestamp{}

// Document is a snapshot of one document. Exists is false for a path
// nothing has been written to, and Data is then nil.
type Document struct {
	Path   string
	ID     string
	Exists bool
	Data   Fields
}

// Filter is an equality predicate on one field.
type Filter struct {
	Field string
	Value any
}

// Query selects the documents of one collection whose fields equal every
// filter.
type Query struct {
	Collection string
	Where      []Filter
}

// SetOptions controls Set.
type SetOptions struct {
	Merge bool
}

type (
	SnapshotFunc func(docs []Document)
	DocumentFunc func(doc Document)
	ErrorFunc    func(err error)
	// Unsubscribe stops a live query. It is safe to call more than once.
	Unsubscribe func()
)

// Store is the capability the presence engine needs from a remote store.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	// Set upserts a document. With Merge, nested maps are merged into the
	// existing document instead of replacing it.
	Set(ctx context.Context, path string, fields Fields, opts SetOptions) error
	// Update applies a partial update and fails with ErrNotFound when the
	// document does not exist.
	Update(ctx context.Context, path string, fields Fields) error
	// Find runs q once.
	Find(ctx context.Context, q Query) ([]Document, error)
	// Watch delivers the current state of one document and every change
	// after that, in order.
	Watch(ctx context.Context, path string, onNext DocumentFunc, onError ErrorFunc) Unsubscribe
	// Subscribe delivers the result set of q and re-delivers it on every
	// change, in order.
	Subscribe(ctx context.Context, q Query, onNext SnapshotFunc, onError ErrorFunc) Unsubscribe
}

// ErrNoClock is returned by ServerTime for a store that does not assign
// its own timestamps.
var ErrNoClock = errors.New("docstore: store has no clock")

// TimeSource is implemented by stores that resolve ServerTimestamp with a
// clock of their own.
type TimeSource interface {
	Now(ctx context.Context) (time.Time, error)
}

// ServerTime reads the clock s stamps ServerTimestamp fields with.
func ServerTime(ctx context.Context, s Store) (time.Time, error) {
	ts, ok := s.(TimeSource)
	if !ok {
		return time.Time{}, ErrNoClock
	}
	return ts.Now(ctx)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection and id of a document path.
func Split(path string) (collection, id string, err error) {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return "", "", ErrInvalidPath
	}
	for _, s := range segs {
		if s == "" {
			return "", "", ErrInvalidPath
		}
	}
	return strings.Join(segs[:len(segs)-1], "/"), segs[len(segs)-1], nil
}

// Lookup reads a possibly dotted field.
func (f Fields) Lookup(field string) (any, bool) {
	var cur any = map[string]any(f)
	for _, part := range strings.Split(field, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of the nested maps in f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if m, ok := asMap(v); ok {
			out[k] = map[string]any(Fields(m).Clone())
			continue
		}
		out[k] = v
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// resolve replaces ServerTimestamp sentinels with now.
func resolve(fields Fields, now time.Time) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case serverTimestamp:
			out[k] = now
		default:
			if m, ok := asMap(val); ok {
				out[k] = map[string]any(resolve(Fields(m), now))
				continue
			}
			out[k] = v
		}
	}
	return out
}

// mergeInto deep merges src into dst.
func mergeInto(dst Fields, src Fields) {
	for k, v := range src {
		sm, ok := asMap(v)
		if !ok {
			dst[k] = v
			continue
		}
		dm, ok := asMap(dst[k])
		if !ok {
			dm = map[string]any{}
		}
		mergeInto(Fields(dm), Fields(sm))
		dst[k] = dm
	}
}

// applyUpdate writes dotted field paths into dst.
func applyUpdate(dst Fields, src Fields) {
	for k, v := range src {
		parts := strings.Split(k, ".")
		cur := map[string]any(dst)
		for _, p := range parts[:len(parts)-1] {
			next, ok := asMap(cur[p])
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
}

// Matches reports whether data satisfies every filter of q.
func (q Query) Matches(data Fields) bool {
	for _, f := range q.Where {
		v, ok := data.Lookup(f.Field)
		if !ok || !equalValues(v, f.Value) {
			return false
		}
	}
	return true
}

func equalValues(a, b any) bool {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// GetInt reads a numeric field regardless of the width the backend decoded it
// with.
func (f Fields) GetInt(field string) int64 {
	v, _ := f.Lookup(field)
	n, _ := toFloat(v)
	return int64(n)
}

// GetString reads a string field, "" when absent.
func (f Fields) GetString(field string) string {
	v, _ := f.Lookup(field)
	s, _ := v.(string)
	return s
}

// GetBool reads a bool field, false when absent.
func (f Fields) GetBool(field string) bool {
	v, _ := f.Lookup(field)
	b, _ := v.(bool)
	return b
}

// GetTime reads a timestamp field, the zero time when absent.
func (f Fields) GetTime(field string) time.Time {
	v, _ := f.Lookup(field)
	t, _ := v.(time.Time)
	return t
}
