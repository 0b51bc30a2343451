package finality

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
)

// Merkle tree over proof hashes, with RFC 6962 leaf and node prefixes so a
// leaf can never be confused with an interior node.

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// ErrNotInTree is returned for an inclusion proof of an absent leaf.
var ErrNotInTree = errors.New("finality: leaf not in tree")

// Inclusion proves that Leaf is the LeafIndex-th of TreeSize leaves under
// Root.
type Inclusion struct {
	Leaf      string   `json:"leaf"`
	LeafIndex int      `json:"leaf_index"`
	TreeSize  int      `json:"tree_size"`
	Path      []string `json:"path"`
	Root      string   `json:"root"`
}

func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// splitPoint is the largest power of two smaller than n.
func splitPoint(n int) int {
	k := 1
	for k<<1 < n {
		k <<= 1
	}
	return k
}

// decodeLeaves sorts and decodes hex leaves.
func decodeLeaves(leaves []string) ([]string, [][]byte, error) {
	sorted := slices.Clone(leaves)
	slices.Sort(sorted)
	out := make([][]byte, len(sorted))
	for i, l := range sorted {
		b, err := hex.DecodeString(l)
		if err != nil {
			return nil, nil, fmt.Errorf("merkle leaf %q: %w", l, err)
		}
		out[i] = b
	}
	return sorted, out, nil
}

func treeHash(leaves [][]byte) []byte {
	switch len(leaves) {
	case 0:
		sum := sha256.Sum256(nil)
		return sum[:]
	case 1:
		return leafHash(leaves[0])
	}
	k := splitPoint(len(leaves))
	return nodeHash(treeHash(leaves[:k]), treeHash(leaves[k:]))
}

// MerkleRoot computes the root over hex-encoded proof hashes taken in
// sorted order, so the root does not depend on reporting order.
func MerkleRoot(leaves []string) (string, error) {
	_, decoded, err := decodeLeaves(leaves)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(treeHash(decoded)), nil
}

func auditPath(m int, leaves [][]byte) [][]byte {
	if len(leaves) <= 1 {
		return nil
	}
	k := splitPoint(len(leaves))
	if m < k {
		return append(auditPath(m, leaves[:k]), treeHash(leaves[k:]))
	}
	return append(auditPath(m-k, leaves[k:]), treeHash(leaves[:k]))
}

// Prove builds the inclusion proof of leaf among leaves.
func Prove(leaves []string, leaf string) (Inclusion, error) {
	sorted, decoded, err := decodeLeaves(leaves)
	if err != nil {
		return Inclusion{}, err
	}
	idx, found := slices.BinarySearch(sorted, leaf)
	if !found {
		return Inclusion{}, fmt.Errorf("%w: %s", ErrNotInTree, leaf)
	}
	path := auditPath(idx, decoded)
	inc := Inclusion{
		Leaf:      leaf,
		LeafIndex: idx,
		TreeSize:  len(sorted),
		Path:      make([]string, len(path)),
		Root:      hex.EncodeToString(treeHash(decoded)),
	}
	for i, p := range path {
		inc.Path[i] = hex.EncodeToString(p)
	}
	return inc, nil
}

// VerifyInclusion recomputes the root from an inclusion proof.
func VerifyInclusion(inc Inclusion) error {
	if inc.LeafIndex < 0 || inc.LeafIndex >= inc.TreeSize {
		return fmt.Errorf("%w: index %d outside tree of %d", ErrNotInTree, inc.LeafIndex, inc.TreeSize)
	}
	leaf, err := hex.DecodeString(inc.Leaf)
	if err != nil {
		return fmt.Errorf("inclusion leaf: %w", err)
	}
	want, err := hex.DecodeString(inc.Root)
	if err != nil {
		return fmt.Errorf("inclusion root: %w", err)
	}

	fn, sn := inc.LeafIndex, inc.TreeSize-1
	r := leafHash(leaf)
	for _, s := range inc.Path {
		if sn == 0 {
			return fmt.Errorf("%w: path longer than tree", ErrNotInTree)
		}
		p, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("inclusion path: %w", err)
		}
		if fn&1 == 1 || fn == sn {
			r = nodeHash(p, r)
			for fn&1 == 0 && fn != 0 {
				fn >>= 1
				sn >>= 1
			}
		} else {
			r = nodeHash(r, p)
		}
		fn >>= 1
		sn >>= 1
	}
	if sn != 0 || !bytes.Equal(r, want) {
		return fmt.Errorf("%w: recomputed root differs", ErrNotInTree)
	}
	return nil
}
