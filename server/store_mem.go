package server

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// memStore is an in-process Store used when REDIS_URL is unset (local
// development) and throughout the test suite. Expiry is evaluated
// lazily on read.
type memStore struct {
	mu      sync.Mutex
	scalars map[string]memValue
	hashes  map[string]memHash
	subs    map[string][]chan string
}

type memValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memHash struct {
	fields    map[string]string
	expiresAt time.Time
}

// NewMemStore returns an empty in-memory Store.
func NewMemStore() Store {
	return &memStore{
		scalars: make(map[string]memValue),
		hashes:  make(map[string]memHash),
		subs:    make(map[string][]chan string),
	}
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scalars[key]
	if !ok || expired(v.expiresAt) {
		delete(s.scalars, key)
		return "", ErrNotFound
	}
	return v.value, nil
}

func (s *memStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars[key] = memValue{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *memStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.scalars, k)
		delete(s.hashes, k)
	}
	return nil
}

func (s *memStore) HSet(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, fields, ttl)
	return nil
}

func (s *memStore) hsetLocked(key string, fields map[string]string, ttl time.Duration) {
	h, ok := s.hashes[key]
	if !ok || expired(h.expiresAt) {
		h = memHash{fields: make(map[string]string)}
	}
	for f, v := range fields {
		h.fields[f] = v
	}
	if ttl > 0 {
		h.expiresAt = expiry(ttl)
	}
	s.hashes[key] = h
}

func (s *memStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok || expired(h.expiresAt) {
		delete(s.hashes, key)
		return "", ErrNotFound
	}
	v, ok := h.fields[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *memStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok || expired(h.expiresAt) {
		delete(s.hashes, key)
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(h.fields))
	for f, v := range h.fields {
		out[f] = v
	}
	return out, nil
}

func (s *memStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.scalars[key]
	if !ok || expired(v.expiresAt) {
		v = memValue{value: "0", expiresAt: expiry(ttl)}
	}
	n, _ := strconv.ParseInt(v.value, 10, 64)
	n++
	v.value = strconv.FormatInt(n, 10)
	s.scalars[key] = v
	return n, nil
}

func (s *memStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.scalars[key]; ok && !expired(v.expiresAt) {
		if v.expiresAt.IsZero() {
			return 0, ErrNotFound
		}
		return time.Until(v.expiresAt), nil
	}
	if h, ok := s.hashes[key]; ok && !expired(h.expiresAt) {
		if h.expiresAt.IsZero() {
			return 0, ErrNotFound
		}
		return time.Until(h.expiresAt), nil
	}
	return 0, ErrNotFound
}

// memBatch buffers writes and applies them under one lock so a handoff
// is never observed half done.
type memBatch struct {
	ops []func(*memStore)
}

func (b *memBatch) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func(s *memStore) {
		s.scalars[key] = memValue{value: value, expiresAt: expiry(ttl)}
	})
}

func (b *memBatch) Del(keys ...string) {
	b.ops = append(b.ops, func(s *memStore) {
		for _, k := range keys {
			delete(s.scalars, k)
			delete(s.hashes, k)
		}
	})
}

func (b *memBatch) HSet(key string, fields map[string]string, ttl time.Duration) {
	b.ops = append(b.ops, func(s *memStore) {
		s.hsetLocked(key, fields, ttl)
	})
}

func (s *memStore) Batch(_ context.Context, fn func(b Batch)) error {
	b := &memBatch{}
	fn(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range b.ops {
		op(s)
	}
	return nil
}

func (s *memStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (s *memStore) Subscribe(_ context.Context, channel string) (<-chan string, func()) {
	ch := make(chan string, 16)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[channel]
		for i, c := range list {
			if c == ch {
				s.subs[channel] = append(list[:i], list[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (s *memStore) Close() error { return nil }
