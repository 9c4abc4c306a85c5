package merkle

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/reimann/common"
)

// DefaultHeight is the depth used by the settlement contracts (proof is bytes32[32]).
const DefaultHeight = 32

// MaxHeight keeps 2^height representable as a uint64 leaf count.
const MaxHeight = 63

var (
	ErrInvalidHeight = errors.New("merkle: height must be greater than 1")
	ErrTreeFull      = errors.New("merkle: tree is full")
)

// Proof is the sibling path of a leaf, ordered from the leaf level up.
type Proof []common.Hash

// IncrementalMerkleTree is an append-only Merkle tree of fixed height over 32-byte leaves.
// Missing right-hand subtrees are padded with precomputed zero hashes, so the root is always
// that of a full tree of 2^height leaves.
//
// IncrementalMerkleTree is not safe for concurrent use.
type IncrementalMerkleTree struct {
	height     int
	zeroHashes []common.Hash
	// levels[0] holds the leaves, levels[height][0] the root.
	levels [][]common.Hash
}

func NewIncrementalMerkleTree(height int) (*IncrementalMerkleTree, error) {
	if height <= 1 {
		return nil, ErrInvalidHeight
	}
	if height > MaxHeight {
		return nil, fmt.Errorf("merkle: height %d exceeds maximum %d", height, MaxHeight)
	}
	return &IncrementalMerkleTree{
		height:     height,
		zeroHashes: ZeroHashes(height),
		levels:     make([][]common.Hash, height+1),
	}, nil
}

// MustNewIncrementalMerkleTree panics on an invalid height.
func MustNewIncrementalMerkleTree(height int) *IncrementalMerkleTree {
	t, err := NewIncrementalMerkleTree(height)
	if err != nil {
		panic(err)
	}
	return t
}

// ZeroHashes returns the empty-subtree hash of every level below the root:
// z[0] is the zero value and z[k+1] = H(z[k] || z[k]).
func ZeroHashes(height int) []common.Hash {
	zeros := make([]common.Hash, height)
	for i := 1; i < height; i++ {
		zeros[i] = common.HashPair(zeros[i-1], zeros[i-1])
	}
	return zeros
}

// EmptyRoot is the root of a tree of the given height with no leaves.
func EmptyRoot(height int) common.Hash {
	zeros := ZeroHashes(height)
	return common.HashPair(zeros[height-1], zeros[height-1])
}

func (t *IncrementalMerkleTree) Height() int {
	return t.height
}

// Len is the number of leaves appended, which is also the index the next leaf receives.
func (t *IncrementalMerkleTree) Len() uint64 {
	return uint64(len(t.levels[0]))
}

// Capacity is the number of leaves the tree can hold.
func (t *IncrementalMerkleTree) Capacity() uint64 {
	return uint64(1) << uint(t.height)
}

func (t *IncrementalMerkleTree) ZeroHashes() []common.Hash {
	out := make([]common.Hash, len(t.zeroHashes))
	copy(out, t.zeroHashes)
	return out
}

// Leaf returns the leaf at index.
func (t *IncrementalMerkleTree) Leaf(index uint64) (common.Hash, bool) {
	if index >= t.Len() {
		return common.Hash{}, false
	}
	return t.levels[0][index], true
}

// Append adds leaf at the next free position and returns the new root.
// Only the nodes on the new leaf's path are rehashed.
func (t *IncrementalMerkleTree) Append(leaf common.Hash) (common.Hash, error) {
	if t.Len() >= t.Capacity() {
		return common.Hash{}, ErrTreeFull
	}
	pos := t.Len()
	t.levels[0] = append(t.levels[0], leaf)
	for level := 0; level < t.height; level++ {
		parent := t.node(level, pos&^1)
		sibling := t.node(level, pos|1)
		t.set(level+1, pos>>1, common.HashPair(parent, sibling))
		pos >>= 1
	}
	return t.Root(), nil
}

// node returns the node at pos on level, or the level's zero hash if it does not exist yet.
func (t *IncrementalMerkleTree) node(level int, pos uint64) common.Hash {
	if pos < uint64(len(t.levels[level])) {
		return t.levels[level][pos]
	}
	return t.zeroHashes[level]
}

func (t *IncrementalMerkleTree) set(level int, pos uint64, h common.Hash) {
	if pos == uint64(len(t.levels[level])) {
		t.levels[level] = append(t.levels[level], h)
		return
	}
	t.levels[level][pos] = h
}

// Root returns the current root. An empty tree has root H(z[h-1] || z[h-1]).
func (t *IncrementalMerkleTree) Root() common.Hash {
	if len(t.levels[t.height]) == 0 {
		z := t.zeroHashes[t.height-1]
		return common.HashPair(z, z)
	}
	return t.levels[t.height][0]
}

// GenerateProof returns the height siblings of index against the current root.
// Indices at or beyond Len produce a well formed proof that does not verify.
func (t *IncrementalMerkleTree) GenerateProof(index uint64) Proof {
	proof := make(Proof, t.height)
	pos := index
	for level := 0; level < t.height; level++ {
		proof[level] = t.node(level, pos^1)
		pos >>= 1
	}
	return proof
}

// ComputeRoot folds leaf up through proof: (current, sibling) when the tracked index is even,
// (sibling, current) when odd.
func ComputeRoot(leaf common.Hash, index uint64, proof Proof) common.Hash {
	cur := leaf
	for _, sibling := range proof {
		if index%2 == 0 {
			cur = common.HashPair(cur, sibling)
		} else {
			cur = common.HashPair(sibling, cur)
		}
		index >>= 1
	}
	return cur
}

// VerifyProof reports whether proof places leaf at index under root.
func VerifyProof(leaf common.Hash, index uint64, root common.Hash, proof Proof) bool {
	return ComputeRoot(leaf, index, proof) == root
}
