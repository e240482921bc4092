// Package merkle builds a fixed-size-chunk Merkle tree over file bytes and
// produces sibling-path inclusion proofs, generalizing the teacher's
// pairwise-hash chunk tree (internal/chunker/merkle.go) with SHA-256 leaf
// hashing, an explicit level-ordered node layout, and proof verification.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// Hash is a single node's digest.
type Hash [sha256.Size]byte

// Tree is a binary hash tree over an ordered list of chunks. Odd nodes at
// each level are duplicated rather than promoted, matching spec.md §4.C.
type Tree struct {
	// levels[0] holds leaf hashes; levels[len(levels)-1] holds the root.
	levels [][]Hash
}

func leafHash(chunk []byte) Hash {
	return sha256.Sum256(chunk)
}

func parentHash(left, right Hash) Hash {
	buf := make([]byte, 0, 2*sha256.Size)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// Build constructs a tree from ordered chunks. A zero-chunk input (an empty
// file with no chunks at all) is invalid; callers representing a zero-byte
// file must still supply one (possibly empty) chunk per spec.md §3.
func Build(chunks [][]byte) (*Tree, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("merkle: at least one chunk is required")
	}

	leaves := make([]Hash, len(chunks))
	for i, c := range chunks {
		leaves[i] = leafHash(c)
	}

	levels := [][]Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([]Hash, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, parentHash(cur[i], cur[i+1]))
			} else {
				next = append(next, parentHash(cur[i], cur[i]))
			}
		}
		levels = append(levels, next)
		cur = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash, i.e. the file's content-id.
func (t *Tree) Root() Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// NumChunks returns the number of leaf chunks the tree was built from.
func (t *Tree) NumChunks() int {
	return len(t.levels[0])
}

// ProofStep is one sibling hash encountered walking from a leaf to the root.
type ProofStep struct {
	Sibling Hash
	// IsSiblingLeft is true when Sibling must be hashed on the left of the
	// running hash at this level (i.e. the leaf/subtree was the right node).
	IsSiblingLeft bool
}

// Proof is the ordered sequence of sibling hashes from leaf to root.
type Proof struct {
	LeafIndex int
	Steps     []ProofStep
}

// Prove builds an inclusion proof for the chunk at index i.
func (t *Tree) Prove(i int) (*Proof, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, fmt.Errorf("merkle: leaf index %d out of range", i)
	}

	proof := &Proof{LeafIndex: i}
	idx := i
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibIdx int
		var siblingIsLeft bool
		if idx%2 == 0 {
			if idx+1 < len(level) {
				sibIdx = idx + 1
			} else {
				sibIdx = idx // duplicated node
			}
			siblingIsLeft = false
		} else {
			sibIdx = idx - 1
			siblingIsLeft = true
		}
		proof.Steps = append(proof.Steps, ProofStep{Sibling: level[sibIdx], IsSiblingLeft: siblingIsLeft})
		idx = idx / 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf chunk and its proof, and
// compares it against the expected root.
func VerifyProof(proof *Proof, chunk []byte, root Hash) bool {
	h := leafHash(chunk)
	for _, step := range proof.Steps {
		if step.IsSiblingLeft {
			h = parentHash(step.Sibling, h)
		} else {
			h = parentHash(h, step.Sibling)
		}
	}
	return bytes.Equal(h[:], root[:])
}

// RootOf is a convenience wrapper computing only the root hash of chunks.
func RootOf(chunks [][]byte) (Hash, error) {
	t, err := Build(chunks)
	if err != nil {
		return Hash{}, err
	}
	return t.Root(), nil
}

// ChunkCount returns the expected number of fixed-size chunks for a file of
// the given size, per spec.md §4.G (1 chunk for a zero-byte file).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 1
	}
	n := size / int64(chunkSize)
	if size%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}
