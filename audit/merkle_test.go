package audit

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sealedEvents(t *testing.T, n int) []*Event {
	t.Helper()
	base := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	prev := ZeroHash
	events := make([]*Event, n)
	for i := 0; i < n; i++ {
		e := sampleEvent(t)
		e.EventID = fmt.Sprintf("evt-%03d", i)
		e.Sequence = uint64(i)
		e.Timestamp = base.Add(time.Duration(i) * time.Second)
		e.PreviousHash = prev
		require.NoError(t, e.Seal())
		prev = e.Hash
		events[i] = e
	}
	return events
}

func TestMerkle_SingleLeaf(t *testing.T) {
	events := sealedEvents(t, 1)
	tree, err := NewMerkleTree(events)
	require.NoError(t, err)

	// Root equals the leaf hash and the proof is empty.
	assert.Equal(t, events[0].Hash, tree.Root())

	proof, err := tree.GenerateProof(events[0].Hash)
	require.NoError(t, err)
	assert.Empty(t, proof.SiblingHashes)
	assert.Empty(t, proof.Directions)
	assert.True(t, VerifyProof(events[0].Hash, proof, tree.Root()))
}

func TestMerkle_OddLeafCounts(t *testing.T) {
	// 3 and 5 leaves exercise the odd-node duplication rule.
	for _, n := range []int{3, 5} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			events := sealedEvents(t, n)
			tree, err := NewMerkleTree(events)
			require.NoError(t, err)
			assert.Equal(t, n, tree.LeafCount())

			for _, e := range events {
				proof, err := tree.GenerateProof(e.Hash)
				require.NoError(t, err)
				assert.True(t, VerifyProof(e.Hash, proof, tree.Root()),
					"proof for %s must verify", e.EventID)
			}
		})
	}
}

func TestMerkle_ProofForEveryLeafVerifies(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 24).Draw(rt, "n")
		events := sealedEvents(t, n)
		tree, err := NewMerkleTree(events)
		if err != nil {
			rt.Fatalf("build tree: %v", err)
		}
		idx := rapid.IntRange(0, n-1).Draw(rt, "idx")
		proof, err := tree.GenerateProof(events[idx].Hash)
		if err != nil {
			rt.Fatalf("generate proof: %v", err)
		}
		if !VerifyProof(events[idx].Hash, proof, tree.Root()) {
			rt.Fatalf("proof for leaf %d of %d failed", idx, n)
		}
	})
}

func TestMerkle_TamperedSiblingFailsVerification(t *testing.T) {
	events := sealedEvents(t, 5)
	tree, err := NewMerkleTree(events)
	require.NoError(t, err)

	proof, err := tree.GenerateProof(events[2].Hash)
	require.NoError(t, err)
	require.NotEmpty(t, proof.SiblingHashes)

	// Flip one bit of one sibling: every such corruption must fail.
	for i := range proof.SiblingHashes {
		raw, err := hex.DecodeString(proof.SiblingHashes[i])
		require.NoError(t, err)
		raw[0] ^= 0x01
		corrupted := *proof
		corrupted.SiblingHashes = append([]string{}, proof.SiblingHashes...)
		corrupted.SiblingHashes[i] = hex.EncodeToString(raw)

		assert.False(t, VerifyProof(events[2].Hash, &corrupted, tree.Root()),
			"flipping a bit in sibling %d must break the proof", i)
	}
}

func TestMerkle_ZeroRootFailsVerification(t *testing.T) {
	events := sealedEvents(t, 3)
	tree, err := NewMerkleTree(events)
	require.NoError(t, err)

	proof, err := tree.GenerateProof(events[1].Hash)
	require.NoError(t, err)

	zeroRoot := strings.Repeat("0", 64)
	assert.False(t, VerifyProof(events[1].Hash, proof, zeroRoot))
}

func TestMerkle_UnknownLeaf(t *testing.T) {
	events := sealedEvents(t, 3)
	tree, err := NewMerkleTree(events)
	require.NoError(t, err)

	_, err = tree.GenerateProof(strings.Repeat("ef", 32))
	assert.Error(t, err)
}

func TestMerkle_MismatchedProofShape(t *testing.T) {
	events := sealedEvents(t, 3)
	tree, err := NewMerkleTree(events)
	require.NoError(t, err)

	proof, err := tree.GenerateProof(events[0].Hash)
	require.NoError(t, err)
	proof.Directions = proof.Directions[:0]

	assert.False(t, VerifyProof(events[0].Hash, proof, tree.Root()))
	assert.False(t, VerifyProof(events[0].Hash, nil, tree.Root()))
}

func TestMerkle_EmptyEvents(t *testing.T) {
	_, err := NewMerkleTree(nil)
	assert.Error(t, err)
}
