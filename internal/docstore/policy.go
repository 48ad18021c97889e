package docstore

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// Op is the kind of access a Policy is asked about.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Policy returns ErrPermissionDenied (or any error) to reject an access.
// For queries the path is the collection path.
type Policy func(op Op, path string) error

// ScopePolicy allows access only under prefix and to the prefix document
// itself.
func ScopePolicy(prefix string) Policy {
	prefix = strings.TrimSuffix(prefix, "/")
	return func(op Op, path string) error {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return nil
		}
		return ErrPermissionDenied
	}
}

// Revocable wraps a policy with a switch that denies everything once
// revoked. Live subscriptions opened through a guarded store start failing
// with ErrPermissionDenied on their next notification.
type Revocable struct {
	inner   Policy
	revoked atomic.Bool
}

func NewRevocable(inner Policy) *Revocable {
	return &Revocable{inner: inner}
}

func (r *Revocable) Revoke() { r.revoked.Store(true) }

func (r *Revocable) Check(op Op, path string) error {
	if r.revoked.Load() {
		return ErrPermissionDenied
	}
	if r.inner == nil {
		return nil
	}
	return r.inner(op, path)
}

type guarded struct {
	inner  Store
	policy Policy
}

// WithPolicy returns a Store that checks policy before every operation and
// before every notification of a live query.
func WithPolicy(inner Store, policy Policy) Store {
	return &guarded{inner: inner, policy: policy}
}

// Now forwards to the inner store's clock. Reading the time reveals no
// document, so the policy is not consulted.
func (g *guarded) Now(ctx context.Context) (time.Time, error) {
	return ServerTime(ctx, g.inner)
}

func (g *guarded) Get(ctx context.Context, path string) (Document, error) {
	if err := g.policy(OpRead, path); err != nil {
		return Document{}, err
	}
	return g.inner.Get(ctx, path)
}

func (g *guarded) Set(ctx context.Context, path string, fields Fields, opts SetOptions) error {
	if err := g.policy(OpWrite, path); err != nil {
		return err
	}
	return g.inner.Set(ctx, path, fields, opts)
}

func (g *guarded) Update(ctx context.Context, path string, fields Fields) error {
	if err := g.policy(OpWrite, path); err != nil {
		return err
	}
	return g.inner.Update(ctx, path, fields)
}

func (g *guarded) Find(ctx context.Context, q Query) ([]Document, error) {
	if err := g.policy(OpRead, q.Collection); err != nil {
		return nil, err
	}
	return g.inner.Find(ctx, q)
}

func (g *guarded) Watch(ctx context.Context, path string, onNext DocumentFunc, onError ErrorFunc) Unsubscribe {
	if err := g.policy(OpRead, path); err != nil {
		go onError(err)
		return func() {}
	}
	return g.inner.Watch(ctx, path, func(doc Document) {
		if err := g.policy(OpRead, path); err != nil {
			onError(err)
			return
		}
		onNext(doc)
	}, onError)
}

func (g *guarded) Subscribe(ctx context.Context, q Query, onNext SnapshotFunc, onError ErrorFunc) Unsubscribe {
	if err := g.policy(OpRead, q.Collection); err != nil {
		go onError(err)
		return func() {}
	}
	return g.inner.Subscribe(ctx, q, func(docs []Document) {
		if err := g.policy(OpRead, q.Collection); err != nil {
			onError(err)
			return
		}
		onNext(docs)
	}, onError)
}
