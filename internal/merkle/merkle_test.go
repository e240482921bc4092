package merkle

import (
	"bytes"
	"crypto/sha256"
	"testing"
)

func chunksOf(sizes ...int) [][]byte {
	out := make([][]byte, len(sizes))
	b := byte(0)
	for i, sz := range sizes {
		c := make([]byte, sz)
		for j := range c {
			c[j] = b
		}
		out[i] = c
		b++
	}
	return out
}

func TestBuildSingleChunkRootIsLeafHash(t *testing.T) {
	chunks := chunksOf(4)
	tr, err := Build(chunks)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(chunks[0])
	if tr.Root() != Hash(want) {
		t.Fatalf("single-chunk root must equal leaf hash")
	}
}

func TestBuildEmptyChunksRejected(t *testing.T) {
	if _, err := Build(nil); err == nil {
		t.Fatal("expected error building tree with zero chunks")
	}
}

func TestZeroByteFileIsOneEmptyChunk(t *testing.T) {
	tr, err := Build([][]byte{{}})
	if err != nil {
		t.Fatal(err)
	}
	if tr.NumChunks() != 1 {
		t.Fatalf("expected 1 chunk, got %d", tr.NumChunks())
	}
}

func TestProofVerifiesForEveryLeaf(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		sizes := make([]int, n)
		for i := range sizes {
			sizes[i] = 10 + i
		}
		chunks := chunksOf(sizes...)
		tr, err := Build(chunks)
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		root := tr.Root()
		for i := 0; i < n; i++ {
			proof, err := tr.Prove(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: %v", n, i, err)
			}
			if !VerifyProof(proof, chunks[i], root) {
				t.Fatalf("n=%d i=%d: proof failed to verify", n, i)
			}
		}
	}
}

func TestProofFailsForWrongChunk(t *testing.T) {
	chunks := chunksOf(4, 5, 6)
	tr, _ := Build(chunks)
	root := tr.Root()
	proof, _ := tr.Prove(0)
	if VerifyProof(proof, chunks[1], root) {
		t.Fatal("proof must not verify against the wrong chunk")
	}
}

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size, chunkSize int64
		want            int
	}{
		{0, 256, 1},
		{1, 256, 1},
		{256, 256, 1},
		{257, 256, 2},
		{512, 256, 2},
	}
	for _, c := range cases {
		got := ChunkCount(c.size, int(c.chunkSize))
		if got != c.want {
			t.Fatalf("ChunkCount(%d,%d) = %d, want %d", c.size, c.chunkSize, got, c.want)
		}
	}
}

func TestRootOfMatchesManualPairHash(t *testing.T) {
	a := bytes.Repeat([]byte{1}, 3)
	b := bytes.Repeat([]byte{2}, 3)
	ha := sha256.Sum256(a)
	hb := sha256.Sum256(b)
	combined := append(append([]byte{}, ha[:]...), hb[:]...)
	want := sha256.Sum256(combined)

	root, err := RootOf([][]byte{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if root != Hash(want) {
		t.Fatalf("root mismatch")
	}
}
