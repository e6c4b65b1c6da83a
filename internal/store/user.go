// Package store holds the scoped UI state the portal pages read and write: the
// user store (current sector and sector list, persisted per browser session) and
// the chat store (transcript of the mounted chat, in memory only).
//
// Instances are owned by the provider middleware that created them and borrowed
// by handlers through the request context. Nothing in this package is global.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/knowledge-portal/portal/internal/kv"
	"github.com/knowledge-portal/portal/internal/telemetry"
)

// SectorSummary is the part of a sector the UI keeps
type SectorSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is the persisted form of the user store
type Snapshot struct {
	CurrentSectorID *string         `json:"currentSectorId"`
	Sectors         []SectorSummary `json:"sectors"`
}

// defaultSnapshot is {currentSectorId: null, sectors: []}
func defaultSnapshot() Snapshot {
	return Snapshot{Sectors: []SectorSummary{}}
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Sectors: make([]SectorSummary, len(s.Sectors))}
	copy(out.Sectors, s.Sectors)
	if s.CurrentSectorID != nil {
		id := *s.CurrentSectorID
		out.CurrentSectorID = &id
	}
	return out
}

// UserStore is the per-session user state. Every change is written through to
// the KV area under its key; the in-memory state stays authoritative when that
// write fails.
type UserStore struct {
	mu    sync.Mutex
	kv    kv.Store
	key   string
	ttl   time.Duration
	state Snapshot
	// retired stores were cleared at sign-out and never write again
	retired bool
}

// NewUserStore creates a store in the default state. Call Hydrate to load the
// persisted snapshot.
func NewUserStore(store kv.Store, key string, ttl time.Duration) *UserStore {
	return &UserStore{
		kv:    store,
		key:   key,
		ttl:   ttl,
		state: defaultSnapshot(),
	}
}

// Hydrate replaces the state with the persisted snapshot. A missing, unreadable
// or corrupt snapshot leaves the default state in place.
func (u *UserStore) Hydrate(ctx context.Context) {
	raw, err := u.kv.Get(ctx, u.key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			slog.Warn("user store: failed to read snapshot; using defaults", "key", u.key, "error", err)
		}
		return
	}

	snap, err := DecodeSnapshot(raw)
	if err != nil {
		slog.Warn("user store: corrupt snapshot; using defaults", "key", u.key, "error", err)
		return
	}

	u.mu.Lock()
	u.state = snap
	u.mu.Unlock()
}

// DecodeSnapshot parses a persisted snapshot
func DecodeSnapshot(raw string) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return defaultSnapshot(), err
	}
	if snap.Sectors == nil {
		snap.Sectors = []SectorSummary{}
	}
	return snap, nil
}

// EncodeSnapshot serializes a snapshot for persistence
func EncodeSnapshot(s Snapshot) (string, error) {
	if s.Sectors == nil {
		s.Sectors = []SectorSummary{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Snapshot returns a copy of the whole state
func (u *UserStore) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.clone()
}

// CurrentSectorID returns the selected sector id, or nil
func (u *UserStore) CurrentSectorID() *string {
	return u.Snapshot().CurrentSectorID
}

// Sectors returns a copy of the known sectors
func (u *UserStore) Sectors() []SectorSummary {
	return u.Snapshot().Sectors
}

// SetCurrentSector selects a sector; nil clears the selection
func (u *UserStore) SetCurrentSector(ctx context.Context, id *string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if equalPtr(u.state.CurrentSectorID, id) {
		return
	}
	if id == nil {
		u.state.CurrentSectorID = nil
	} else {
		v := *id
		u.state.CurrentSectorID = &v
	}
	u.persist(ctx)
}

// SetSectors replaces the sector list
func (u *UserStore) SetSectors(ctx context.Context, sectors []SectorSummary) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if slices.Equal(u.state.Sectors, sectors) {
		return
	}
	u.state.Sectors = make([]SectorSummary, len(sectors))
	copy(u.state.Sectors, sectors)
	u.persist(ctx)
}

// ClearUserData resets the state and removes the persisted snapshot
func (u *UserStore) ClearUserData(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.clear(ctx)
}

func (u *UserStore) clear(ctx context.Context) {
	u.state = defaultSnapshot()
	if err := u.kv.Delete(ctx, u.key); err != nil {
		telemetry.StorePersistErrorsTotal.Inc()
		slog.Warn("user store: failed to delete snapshot", "key", u.key, "error", err)
	}
}

// retire clears the store like ClearUserData and stops all later write-through
func (u *UserStore) retire(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.retired = true
	u.clear(ctx)
}

// persist writes the current state through. Callers hold u.mu so writes reach
// the KV in the order they were applied.
func (u *UserStore) persist(ctx context.Context) {
	if u.retired {
		return
	}
	raw, err := EncodeSnapshot(u.state)
	if err == nil {
		err = u.kv.Set(ctx, u.key, raw, u.ttl)
	}
	if err != nil {
		telemetry.StorePersistErrorsTotal.Inc()
		slog.Warn("user store: failed to persist snapshot", "key", u.key, "error", err)
	}
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
