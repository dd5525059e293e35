package registry

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrNotFound indicates the plugin id is unknown to the registry.
var ErrNotFound = errors.New("registry: plugin not found")

// Store holds plugin records. Upserts on the same id are serialized;
// different ids proceed independently. All state transitions in the
// system flow through Upsert.
type Store struct {
	db      *sql.DB // nil for a memory-only store
	records cmap.ConcurrentMap[string, *Record]
	locks   cmap.ConcurrentMap[string, *sync.Mutex]
}

// NewStore creates a Store backed by db. A nil db yields a memory-only
// store, used in tests.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:      db,
		records: cmap.New[*Record](),
		locks:   cmap.New[*sync.Mutex](),
	}
}

// Open creates a Store backed by db and hydrates it from the persisted
// registry rows.
func Open(ctx context.Context, db *sql.DB) (*Store, error) {
	s := NewStore(db)
	recs, err := loadAll(ctx, db)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		s.records.Set(r.ID, r)
	}
	return s, nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	if mu, ok := s.locks.Get(id); ok {
		return mu
	}
	s.locks.SetIfAbsent(id, &sync.Mutex{})
	mu, _ := s.locks.Get(id)
	return mu
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	r, ok := s.records.Get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.Clone(), nil
}

// List returns copies of records matching filter (all when filter is nil),
// ordered by id.
func (s *Store) List(filter Filter) []Record {
	items := s.records.Items()
	out := make([]Record, 0, len(items))
	for id, r := range items {
		mu := s.lockFor(id)
		mu.Lock()
		if filter == nil || filter(r) {
			out = append(out, r.Clone())
		}
		mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Upsert atomically mutates the record for id, creating it as
// NotInstalled/Stopped when absent. The mutation is observed fully
// applied or not at all: if mutate returns an error, nothing changes.
// Persistence covers metadata and install state; run state is volatile.
func (s *Store) Upsert(ctx context.Context, id string, mutate func(*Record) error) (Record, error) {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	var work Record
	existing, ok := s.records.Get(id)
	if ok {
		work = existing.Clone()
	} else {
		work = Record{
			ID:           id,
			InstallState: InstallStateNotInstalled,
			RunState:     RunStateStopped,
		}
	}

	if err := mutate(&work); err != nil {
		return Record{}, err
	}
	work.ID = id
	work.UpdatedAt = time.Now().UTC()

	if s.db != nil {
		if err := persist(ctx, s.db, &work); err != nil {
			return Record{}, err
		}
	}
	s.records.Set(id, &work)
	return work.Clone(), nil
}

// Delete removes the record for id from memory and disk. Deleting an
// unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if s.db != nil {
		if err := remove(ctx, s.db, id); err != nil {
			return err
		}
	}
	s.records.Remove(id)
	return nil
}

// Count returns the number of known plugins.
func (s *Store) Count() int {
	return s.records.Count()
}
