package store

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

// ChatRegistry keeps one ChatStore per session while the chat is in use. It is
// bounded, and a store untouched for the idle TTL is dropped.
type ChatRegistry struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *ChatStore]
}

// NewChatRegistry creates a registry holding at most capacity stores
func NewChatRegistry(capacity int, idleTTL time.Duration) *ChatRegistry {
	return &ChatRegistry{
		lru: expirable.NewLRU[string, *ChatStore](capacity, nil, idleTTL),
	}
}

// Get returns the store for sessionID, creating it on first use. Every access
// restarts the idle timer. Concurrent first accesses share one store.
func (r *ChatRegistry) Get(sessionID string) *ChatStore {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lru.Get(sessionID)
	if !ok {
		s = NewChatStore()
	}
	r.lru.Add(sessionID, s)
	telemetry.ChatScopesMounted.Set(float64(r.lru.Len()))
	return s
}

// Peek returns the store for sessionID without creating it or touching its timer
func (r *ChatRegistry) Peek(sessionID string) (*ChatStore, bool) {
	return r.lru.Peek(sessionID)
}

// Drop destroys the store for sessionID
func (r *ChatRegistry) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lru.Remove(sessionID)
	telemetry.ChatScopesMounted.Set(float64(r.lru.Len()))
}

// Len returns the number of stores held
func (r *ChatRegistry) Len() int {
	return r.lru.Len()
}

// userEntry hydrates its store exactly once, on first borrow
type userEntry struct {
	once  sync.Once
	store *UserStore
}

// UserRegistry keeps one UserStore per session so that concurrent requests of
// the same session read and write a single instance. A store is hydrated from
// the KV area when it is created; afterwards the instance is authoritative and
// writes through on every change. Idle stores are dropped and rehydrate on the
// next request.
type UserRegistry struct {
	mu        sync.Mutex
	lru       *expirable.LRU[string, *userEntry]
	kv        kv.Store
	namespace string
	ttl       time.Duration
}

// NewUserRegistry creates a registry of user stores persisted under namespace
// with the snapshot TTL ttl. It holds at most capacity stores.
func NewUserRegistry(store kv.Store, namespace string, ttl time.Duration, capacity int, idleTTL time.Duration) *UserRegistry {
	return &UserRegistry{
		lru:       expirable.NewLRU[string, *userEntry](capacity, nil, idleTTL),
		kv:        store,
		namespace: namespace,
		ttl:       ttl,
	}
}

// Get returns the hydrated store for sessionID, creating it on first use.
// Callers racing on a new session wait for the one hydration.
func (r *UserRegistry) Get(ctx context.Context, sessionID string) *UserStore {
	r.mu.Lock()
	e, ok := r.lru.Get(sessionID)
	if !ok {
		e = &userEntry{store: NewUserStore(r.kv, UserStoreKey(r.namespace, sessionID), r.ttl)}
	}
	r.lru.Add(sessionID, e)
	telemetry.UserScopesMounted.Set(float64(r.lru.Len()))
	r.mu.Unlock()

	// A cancelled first request must not leave the shared store unhydrated.
	e.once.Do(func() { e.store.Hydrate(context.WithoutCancel(ctx)) })
	return e.store
}

// Clear wipes the session's user data, removes its persisted snapshot and
// forgets the store. Requests still holding the store no longer persist.
func (r *UserRegistry) Clear(ctx context.Context, sessionID string) {
	r.mu.Lock()
	e, ok := r.lru.Peek(sessionID)
	r.lru.Remove(sessionID)
	telemetry.UserScopesMounted.Set(float64(r.lru.Len()))
	r.mu.Unlock()

	u := NewUserStore(r.kv, UserStoreKey(r.namespace, sessionID), r.ttl)
	if ok {
		u = e.store
	}
	u.retire(ctx)
}

// Len returns the number of stores held
func (r *UserRegistry) Len() int {
	return r.lru.Len()
}
