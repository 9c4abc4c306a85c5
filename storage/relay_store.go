package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/colorfulnotion/reimann/common"
)

// Key layout:
//
//	leaf/<index u64 BE>      -> 32-byte leaf
//	order/<hash>             -> JSON order record
//	cursor/<chainID u64 BE>  -> next block to scan, u64 BE
var (
	leafPrefix   = []byte("leaf/")
	orderPrefix  = []byte("order/")
	cursorPrefix = []byte("cursor/")
)

func LeafKey(index uint64) []byte {
	return append(append([]byte{}, leafPrefix...), common.Uint64ToBigEndian(index)...)
}

func OrderKey(h common.Hash) []byte {
	return append(append([]byte{}, orderPrefix...), h.Bytes()...)
}

func OrderPrefix() []byte {
	return append([]byte{}, orderPrefix...)
}

func CursorKey(chainID uint64) []byte {
	return append(append([]byte{}, cursorPrefix...), common.Uint64ToBigEndian(chainID)...)
}

// PutLeaf records the leaf at index.
func (ps *PersistenceStore) PutLeaf(index uint64, leaf common.Hash) error {
	return ps.Put(LeafKey(index), leaf.Bytes())
}

// Leaves returns the stored leaves in index order. A gap in the index sequence is an error
// since the tree could not be rebuilt from it.
func (ps *PersistenceStore) Leaves() ([]common.Hash, error) {
	kvs, err := ps.GetWithPrefix(leafPrefix)
	if err != nil {
		return nil, err
	}
	leaves := make([]common.Hash, 0, len(kvs))
	for i, kv := range kvs {
		idx := common.BigEndianToUint64(kv[0][len(leafPrefix):])
		if idx != uint64(i) {
			return nil, fmt.Errorf("leaf store has gap: expected index %d, found %d", i, idx)
		}
		if len(kv[1]) != common.HashLength {
			return nil, fmt.Errorf("leaf %d: stored value has %d bytes", idx, len(kv[1]))
		}
		leaves = append(leaves, common.BytesToHash(kv[1]))
	}
	return leaves, nil
}

// Cursor returns the next block to scan for chainID.
func (ps *PersistenceStore) Cursor(chainID uint64) (uint64, bool, error) {
	v, ok, err := ps.Get(CursorKey(chainID))
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("cursor %d: stored value has %d bytes", chainID, len(v))
	}
	return binary.BigEndian.Uint64(v), true, nil
}

func (ps *PersistenceStore) PutCursor(chainID uint64, next uint64) error {
	return ps.Put(CursorKey(chainID), common.Uint64ToBigEndian(next))
}
