// Package smt serves a single commitment log over HTTP. Many proof queries may run at once;
// appends are serialized, and a query never observes a half-applied append.
package smt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/colorfulnotion/reimann/common"
	log "github.com/colorfulnotion/reimann/log"
	"github.com/colorfulnotion/reimann/merkle"
	"github.com/colorfulnotion/reimann/metrics"
	"github.com/colorfulnotion/reimann/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultAddr           = "127.0.0.1:3001"
	DefaultProofCacheSize = 1024
)

var ErrLeafNotFound = errors.New("smt: leaf not found")

// Config for the commitment log service.
type Config struct {
	Addr           string `toml:"addr"`
	URL            string `toml:"url"`
	Height         int    `toml:"height"`
	DataDir        string `toml:"data_dir"`
	ProofCacheSize int    `toml:"proof_cache_size"`
}

func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		URL:            "http://" + DefaultAddr,
		Height:         merkle.DefaultHeight,
		ProofCacheSize: DefaultProofCacheSize,
	}
}

// Status summarizes the log.
type Status struct {
	Root   common.Hash `json:"root"`
	Count  uint64      `json:"count"`
	Height int         `json:"height"`
}

// Service owns the commitment log and everything that must change atomically with it.
type Service struct {
	mu    sync.RWMutex
	tree  *merkle.IncrementalMerkleTree
	first map[common.Hash]uint64 // leaf -> first index it was appended at

	store   *storage.PersistenceStore // optional
	proofs  *lru.Cache[uint64, merkle.Proof]
	metrics *metrics.Metrics
	feed    *Hub
}

// NewService builds the log, replaying leaves from ps when one is given.
func NewService(cfg Config, ps *storage.PersistenceStore, m *metrics.Metrics) (*Service, error) {
	tree, err := merkle.NewIncrementalMerkleTree(cfg.Height)
	if err != nil {
		return nil, err
	}
	size := cfg.ProofCacheSize
	if size <= 0 {
		size = DefaultProofCacheSize
	}
	cache, err := lru.New[uint64, merkle.Proof](size)
	if err != nil {
		return nil, fmt.Errorf("proof cache: %w", err)
	}
	if m == nil {
		m = metrics.New(metrics.DefaultNamespace)
	}
	s := &Service{
		tree:    tree,
		first:   make(map[common.Hash]uint64),
		store:   ps,
		proofs:  cache,
		metrics: m,
	}
	s.feed = newHub(m.SetFeedSubscribers)

	if ps != nil {
		leaves, err := ps.Leaves()
		if err != nil {
			return nil, fmt.Errorf("replay leaves: %w", err)
		}
		for i, leaf := range leaves {
			if _, err := tree.Append(leaf); err != nil {
				return nil, fmt.Errorf("replay leaf %d: %w", i, err)
			}
			if _, ok := s.first[leaf]; !ok {
				s.first[leaf] = uint64(i)
			}
		}
		if len(leaves) > 0 {
			log.Info(log.SMT, "Replayed commitment log", "leaves", len(leaves), "root", tree.Root().Hex())
		}
	}
	m.SetLeaves(tree.Len())
	return s, nil
}

// Append adds leaf and returns the new root and the index it was assigned.
// The leaf is persisted before the tree changes, so an acknowledged index survives restarts.
func (s *Service) Append(leaf common.Hash) (common.Hash, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.tree.Len()
	if index >= s.tree.Capacity() {
		return common.Hash{}, 0, merkle.ErrTreeFull
	}
	if s.store != nil {
		if err := s.store.PutLeaf(index, leaf); err != nil {
			return common.Hash{}, 0, fmt.Errorf("persist leaf %d: %w", index, err)
		}
	}
	root, err := s.tree.Append(leaf)
	if err != nil {
		return common.Hash{}, 0, err
	}
	if _, ok := s.first[leaf]; !ok {
		s.first[leaf] = index
	}
	s.proofs.Purge()
	s.metrics.SetLeaves(index + 1)
	s.feed.publish(FeedEvent{Index: index, Leaf: leaf, Root: root})

	log.Debug(log.SMT, "Appended leaf", "index", index, "leaf", leaf.Hex(), "root", root.Hex())
	return root, index, nil
}

// Query returns the proof for index together with the root it verifies against.
func (s *Service) Query(index uint64) (merkle.Proof, common.Hash) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root := s.tree.Root()
	if proof, ok := s.proofs.Get(index); ok {
		s.metrics.IncProofCacheHits()
		return append(merkle.Proof(nil), proof...), root
	}
	proof := s.tree.GenerateProof(index)
	if index < s.tree.Len() {
		s.proofs.Add(index, append(merkle.Proof(nil), proof...))
	}
	return proof, root
}

// Lookup returns the first index leaf was appended at.
func (s *Service) Lookup(leaf common.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index, ok := s.first[leaf]
	if !ok {
		return 0, ErrLeafNotFound
	}
	return index, nil
}

func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Root: s.tree.Root(), Count: s.tree.Len(), Height: s.tree.Height()}
}

func (s *Service) Len() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *Service) Root() common.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Root()
}

// RunFeed delivers append events to websocket subscribers until ctx is done.
func (s *Service) RunFeed(ctx context.Context) {
	s.feed.run(ctx)
}
