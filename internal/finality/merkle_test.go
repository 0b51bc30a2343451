package finality

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(n int) []string {
	out := make([]string, n)
	for i := range out {
		sum := sha256.Sum256([]byte(fmt.Sprintf("proof-%d", i)))
		out[i] = hex.EncodeToString(sum[:])
	}
	return out
}

func TestMerkleRootShape(t *testing.T) {
	ls := leaves(3)
	sorted := slices.Clone(ls)
	slices.Sort(sorted)
	raw := make([][]byte, len(sorted))
	for i, l := range sorted {
		raw[i], _ = hex.DecodeString(l)
	}

	one, err := MerkleRoot(ls[:1])
	require.NoError(t, err)
	want0, _ := hex.DecodeString(ls[0])
	assert.Equal(t, hex.EncodeToString(leafHash(want0)), one)

	three, err := MerkleRoot(ls)
	require.NoError(t, err)
	want := nodeHash(nodeHash(leafHash(raw[0]), leafHash(raw[1])), leafHash(raw[2]))
	assert.Equal(t, hex.EncodeToString(want), three)

	empty, err := MerkleRoot(nil)
	require.NoError(t, err)
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}

func TestMerkleRootIgnoresOrder(t *testing.T) {
	ls := leaves(5)
	a, err := MerkleRoot(ls)
	require.NoError(t, err)
	reversed := slices.Clone(ls)
	slices.Reverse(reversed)
	b, err := MerkleRoot(reversed)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := MerkleRoot(ls[:4])
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = MerkleRoot([]string{"not hex"})
	assert.Error(t, err)
}

func TestInclusionProofs(t *testing.T) {
	for n := 1; n <= 9; n++ {
		ls := leaves(n)
		root, err := MerkleRoot(ls)
		require.NoError(t, err)
		for _, leaf := range ls {
			inc, err := Prove(ls, leaf)
			require.NoError(t, err, "n=%d", n)
			assert.Equal(t, root, inc.Root)
			assert.Equal(t, n, inc.TreeSize)
			assert.NoError(t, VerifyInclusion(inc), "n=%d leaf=%d", n, inc.LeafIndex)
		}
	}
}

func TestInclusionRejectsTampering(t *testing.T) {
	ls := leaves(6)
	inc, err := Prove(ls, ls[2])
	require.NoError(t, err)

	other := inc
	other.Leaf = ls[3]
	assert.True(t, errors.Is(VerifyInclusion(other), ErrNotInTree))

	moved := inc
	moved.LeafIndex = (inc.LeafIndex + 1) % inc.TreeSize
	assert.Error(t, VerifyInclusion(moved))

	short := inc
	short.Path = inc.Path[:len(inc.Path)-1]
	assert.Error(t, VerifyInclusion(short))

	outside := inc
	outside.LeafIndex = 6
	assert.True(t, errors.Is(VerifyInclusion(outside), ErrNotInTree))

	_, err = Prove(ls, leaves(7)[6])
	assert.True(t, errors.Is(err, ErrNotInTree))
}
