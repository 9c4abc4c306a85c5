package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/storage"
)

var (
	ErrDuplicateOrder = errors.New("order: duplicate order hash")
	ErrNotFound       = errors.New("order: not found")
)

// Stats counts orders per status.
type Stats struct {
	Pending  int
	Proving  int
	Settling int
	Settled  int
	Failed   int
}

// Store is the shared order container: a map keyed by order hash plus the sequence of hashes
// in submission order. One lock guards both so their membership always agrees, and every
// caller blocks for it rather than giving up on contention.
//
// Terminal orders leave the in-memory set but stay in the persistence store.
type Store struct {
	mu sync.RWMutex

	orders   map[common.Hash]*Order
	sequence []common.Hash

	settled int
	failed  int

	persist *storage.PersistenceStore // optional
	now     func() time.Time
}

// NewStore creates an order store. ps may be nil for a memory-only store.
func NewStore(ps *storage.PersistenceStore) *Store {
	return &Store{
		orders:  make(map[common.Hash]*Order),
		persist: ps,
		now:     time.Now,
	}
}

// Load rebuilds the in-memory set from the persistence store, ordered by commitment index.
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}
	kvs, err := s.persist.GetWithPrefix(storage.OrderPrefix())
	if err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	var loaded []*Order
	for _, kv := range kvs {
		var o Order
		if err := json.Unmarshal(kv[1], &o); err != nil {
			return fmt.Errorf("decode order %x: %w", kv[0], err)
		}
		loaded = append(loaded, &o)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Index < loaded[j].Index })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[common.Hash]*Order)
	s.sequence = s.sequence[:0]
	s.settled, s.failed = 0, 0
	for _, o := range loaded {
		switch o.Status {
		case StatusSettled:
			s.settled++
		case StatusFailed:
			s.failed++
		default:
			s.orders[o.Hash] = o
			s.sequence = append(s.sequence, o.Hash)
		}
	}
	log.Info(log.Store, "Loaded orders", "pending", len(s.sequence), "settled", s.settled, "failed", s.failed)
	return nil
}

// Insert adds a new order at the end of the submission sequence.
func (s *Store) Insert(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.Hash]; ok {
		return ErrDuplicateOrder
	}
	if s.persist != nil {
		if _, found, err := s.persist.Get(storage.OrderKey(o.Hash)); err != nil {
			return err
		} else if found {
			return ErrDuplicateOrder
		}
	}

	c := o.Clone()
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if err := s.write(c); err != nil {
		return err
	}
	s.orders[c.Hash] = c
	s.sequence = append(s.sequence, c.Hash)

	log.Debug(log.Store, "Inserted order", "hash", c.Hash.Hex(), "index", c.Index, "pending", len(s.sequence))
	return nil
}

// Get returns a copy of the order with hash h.
func (s *Store) Get(h common.Hash) (*Order, error) {
	s.mu.RLock()
	o, ok := s.orders[h]
	if ok {
		c := o.Clone()
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	if s.persist == nil {
		return nil, ErrNotFound
	}
	data, found, err := s.persist.Get(storage.OrderKey(h))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	var stored Order
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// Pending returns copies of all non-terminal orders in submission order.
func (s *Store) Pending() []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Order, 0, len(s.sequence))
	for _, h := range s.sequence {
		out = append(out, s.orders[h].Clone())
	}
	return out
}

// Update replaces the stored order. Orders reaching a terminal status are dropped from the
// in-memory set after being persisted.
func (s *Store) Update(o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.Hash]; !ok {
		return ErrNotFound
	}
	c := o.Clone()
	c.UpdatedAt = s.now()
	if err := s.write(c); err != nil {
		return err
	}
	if !c.Status.Terminal() {
		s.orders[c.Hash] = c
		return nil
	}

	switch c.Status {
	case StatusSettled:
		s.settled++
	case StatusFailed:
		s.failed++
	}
	s.removeLocked(c.Hash)
	return nil
}

// Remove deletes an order from memory and from the persistence store.
func (s *Store) Remove(h common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[h]; !ok {
		return ErrNotFound
	}
	if s.persist != nil {
		if err := s.persist.Delete(storage.OrderKey(h)); err != nil {
			return err
		}
	}
	s.removeLocked(h)
	return nil
}

// Clear drops every non-terminal order, in memory and persisted.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persist != nil && len(s.sequence) > 0 {
		batch := make(map[string][]byte, len(s.sequence))
		for _, h := range s.sequence {
			batch[string(storage.OrderKey(h))] = nil
		}
		if err := s.persist.WriteBatch(batch); err != nil {
			return err
		}
	}
	n := len(s.sequence)
	s.orders = make(map[common.Hash]*Order)
	s.sequence = nil
	log.Debug(log.Store, "Cleared orders", "count", n)
	return nil
}

// Len is the number of non-terminal orders.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sequence)
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Settled: s.settled, Failed: s.failed}
	for _, o := range s.orders {
		switch o.Status {
		case StatusPending:
			stats.Pending++
		case StatusProving:
			stats.Proving++
		case StatusSettling:
			stats.Settling++
		}
	}
	return stats
}

func (s *Store) write(o *Order) error {
	if s.persist == nil {
		return nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", o.Hash.Hex(), err)
	}
	if err := s.persist.Put(storage.OrderKey(o.Hash), data); err != nil {
		return fmt.Errorf("persist order %s: %w", o.Hash.Hex(), err)
	}
	return nil
}

func (s *Store) removeLocked(h common.Hash) {
	delete(s.orders, h)
	for i, seq := range s.sequence {
		if seq == h {
			s.sequence = append(s.sequence[:i], s.sequence[i+1:]...)
			break
		}
	}
}
