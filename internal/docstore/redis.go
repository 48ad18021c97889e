package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxTxRetries = 10

// Redis is a Store backed by Redis. Each document is a msgpack blob under
// its own key, collections are sets of document ids, and every write is
// announced on a pub/sub channel per collection and per document. Live
// queries re-read the collection when they hear about a change.
//
// Server timestamps come from the Redis TIME command so that every client
// agrees on one clock.
type Redis struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

// NewRedis wraps an existing client. prefix namespaces every key and
// channel ("docstore" when empty).
func NewRedis(client *redis.Client, prefix string, log *zap.Logger) *Redis {
	if prefix == "" {
		prefix = "docstore"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, log: log.Named("docstore.redis")}
}

func (r *Redis) docKey(path string) string       { return r.prefix + ":doc:" + path }
func (r *Redis) colKey(collection string) string { return r.prefix + ":col:" + collection }
func (r *Redis) colChannel(collection string) string {
	return r.prefix + ":chan:col:" + collection
}
func (r *Redis) docChannel(path string) string { return r.prefix + ":chan:doc:" + path }

// Now reads the Redis server clock.
func (r *Redis) Now(ctx context.Context) (time.Time, error) {
	now, err := r.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, mapError(err)
	}
	return now, nil
}

func (r *Redis) Get(ctx context.Context, path string) (Document, error) {
	_, id, err := Split(path)
	if err != nil {
		return Document{}, err
	}
	doc := Document{Path: path, ID: id}
	raw, err := r.client.Get(ctx, r.docKey(path)).Bytes()
	if err == redis.Nil {
		return doc, nil
	}
	if err != nil {
		return Document{}, mapError(err)
	}
	data, err := decodeFields(raw)
	if err != nil {
		return Document{}, err
	}
	doc.Exists = true
	doc.Data = data
	return doc, nil
}

func (r *Redis) Set(ctx context.Context, path string, fields Fields, opts SetOptions) error {
	return r.write(ctx, path, func(cur Fields, exists bool, resolved Fields) (Fields, error) {
		next := Fields{}
		if exists && opts.Merge {
			next = cur
		}
		mergeInto(next, resolved)
		return next, nil
	}, fields)
}

func (r *Redis) Update(ctx context.Context, path string, fields Fields) error {
	return r.write(ctx, path, func(cur Fields, exists bool, resolved Fields) (Fields, error) {
		if !exists {
			return nil, ErrNotFound
		}
		applyUpdate(cur, resolved)
		return cur, nil
	}, fields)
}

type mutation func(cur Fields, exists bool, resolved Fields) (Fields, error)

// write runs an optimistic WATCH/MULTI transaction on the document key and
// retries when another writer got there first.
func (r *Redis) write(ctx context.Context, path string, mutate mutation, fields Fields) error {
	collection, id, err := Split(path)
	if err != nil {
		return err
	}
	now, err := r.Now(ctx)
	if err != nil {
		return err
	}
	resolved := resolve(fields, now)
	key := r.docKey(path)

	txf := func(tx *redis.Tx) error {
		var cur Fields
		exists := true
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			exists = false
		case err != nil:
			return err
		default:
			if cur, err = decodeFields(raw); err != nil {
				return err
			}
		}

		next, err := mutate(cur, exists, resolved)
		if err != nil {
			return err
		}
		data, err := encodeFields(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, r.colKey(collection), id)
			pipe.Publish(ctx, r.colChannel(collection), path)
			pipe.Publish(ctx, r.docChannel(path), path)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return mapError(err)
	}
	return fmt.Errorf("docstore: write %s: too much contention", path)
}

func (r *Redis) Find(ctx context.Context, q Query) ([]Document, error) {
	ids, err := r.client.SMembers(ctx, r.colKey(q.Collection)).Result()
	if err != nil {
		return nil, mapError(err)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(Join(q.Collection, id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapError(err)
	}

	docs := make([]Document, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		data, err := decodeFields([]byte(s))
		if err != nil {
			r.log.Warn("skipping undecodable document", zap.String("path", Join(q.Collection, ids[i])), zap.Error(err))
			continue
		}
		if !q.Matches(data) {
			continue
		}
		docs = append(docs, Document{
			Path:   Join(q.Collection, ids[i]),
			ID:     ids[i],
			Exists: true,
			Data:   data,
		})
	}
	return docs, nil
}

func (r *Redis) Watch(ctx context.Context, path string, onNext DocumentFunc, onError ErrorFunc) Unsubscribe {
	if _, _, err := Split(path); err != nil {
		go onError(err)
		return func() {}
	}
	return r.listen(ctx, r.docChannel(path), func(ctx context.Context) error {
		doc, err := r.Get(ctx, path)
		if err != nil {
			return err
		}
		onNext(doc)
		return nil
	}, onError)
}

func (r *Redis) Subscribe(ctx context.Context, q Query, onNext SnapshotFunc, onError ErrorFunc) Unsubscribe {
	return r.listen(ctx, r.colChannel(q.Collection), func(ctx context.Context) error {
		docs, err := r.Find(ctx, q)
		if err != nil {
			return err
		}
		onNext(docs)
		return nil
	}, onError)
}

// listen subscribes to channel, delivers once, then re-delivers after every
// message. Bursts of messages are coalesced into one delivery because each
// delivery reads the full current state.
func (r *Redis) listen(parent context.Context, channel string, deliver func(context.Context) error, onError ErrorFunc) Unsubscribe {
	ctx, cancel := context.WithCancel(parent)
	pubsub := r.client.Subscribe(ctx, channel)

	var mu sync.Mutex
	stopped := false
	alive := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !stopped && ctx.Err() == nil
	}
	fail := func(err error) {
		if alive() {
			onError(mapError(err))
		}
	}

	go func() {
		defer pubsub.Close()

		if _, err := pubsub.Receive(ctx); err != nil {
			fail(err)
			return
		}
		if alive() {
			if err := deliver(ctx); err != nil {
				fail(err)
			}
		}

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case <-ch:
					default:
						break drain
					}
				}
				if !alive() {
					return
				}
				if err := deliver(ctx); err != nil {
					fail(err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			stopped = true
			mu.Unlock()
			cancel()
		})
	}
}

// mapError translates Redis ACL failures into ErrPermissionDenied.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotFound) {
		return err
	}
	if strings.HasPrefix(err.Error(), "NOPERM") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
