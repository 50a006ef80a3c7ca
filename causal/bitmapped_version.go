// Package causal implements the CRDT value types that track concurrent
// writes per key: bitmapped version vectors (node clocks), version
// vectors (causal contexts) and dotted causal containers (the sibling
// set stored per key).
package causal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// NodeID identifies a cluster member in the causal algebra.
type NodeID uint64

// Version is a per-actor monotonic event counter.
type Version uint64

// BitmappedVersion represents the set of event numbers a single actor has
// produced or observed, as a dense prefix (Base) plus a sparse bitmap of
// events above it. Bit i of the bitmap, if set, means event Base+1+i has
// been observed.
//
// A zero-value BitmappedVersion is valid and represents "nothing observed".
type BitmappedVersion struct {
	Base   Version
	bitmap *roaring.Bitmap
}

// NewBitmappedVersion builds a BitmappedVersion from a base and a raw
// bitmap whose bit i represents event Base+1+i. It is normalized before
// being returned.
func NewBitmappedVersion(base Version, bits ...uint32) BitmappedVersion {
	bv := BitmappedVersion{Base: base, bitmap: roaring.New()}
	bv.bitmap.AddMany(bits)
	bv.normalize()
	return bv
}

func (bv *BitmappedVersion) ensure() {
	if bv.bitmap == nil {
		bv.bitmap = roaring.New()
	}
}

// normalize enforces the invariant that bit 0 of the bitmap is 0, or the
// whole bitmap is empty: every run of trailing set bits starting at 0 is
// folded into Base.
func (bv *BitmappedVersion) normalize() {
	bv.ensure()
	var k uint32
	for bv.bitmap.Contains(k) {
		k++
	}
	if k == 0 {
		return
	}
	bv.Base += Version(k)
	bv.bitmap = rightShift(bv.bitmap, k)
}

// Add records that event v was observed by this actor.
func (bv *BitmappedVersion) Add(v Version) {
	bv.ensure()
	if v <= bv.Base {
		return
	}
	bv.bitmap.Add(uint32(v - bv.Base - 1))
	bv.normalize()
}

// Join merges another actor's observed set into this one (bitwise-OR
// after aligning the two bases), then re-normalizes.
func (bv *BitmappedVersion) Join(other BitmappedVersion) {
	bv.ensure()
	other.ensure()
	switch {
	case bv.Base == other.Base:
		bv.bitmap.Or(other.bitmap)
	case bv.Base > other.Base:
		shift := uint32(bv.Base - other.Base)
		shifted := rightShift(other.bitmap, shift)
		bv.bitmap.Or(shifted)
	default: // bv.Base < other.Base
		shift := uint32(other.Base - bv.Base)
		shifted := rightShift(bv.bitmap, shift)
		bv.Base = other.Base
		bv.bitmap = shifted
		bv.bitmap.Or(other.bitmap)
	}
	bv.normalize()
}

// rightShift returns a copy of b with every set bit i moved to i-shift,
// dropping bits that would go negative (they fall below the new base).
func rightShift(b *roaring.Bitmap, shift uint32) *roaring.Bitmap {
	out := roaring.New()
	it := b.Iterator()
	for it.HasNext() {
		v := it.Next()
		if v >= shift {
			out.Add(v - shift)
		}
	}
	return out
}

// Clone returns an independent copy.
func (bv BitmappedVersion) Clone() BitmappedVersion {
	bv.ensure()
	return BitmappedVersion{Base: bv.Base, bitmap: bv.bitmap.Clone()}
}

// Equal reports whether two BitmappedVersions denote the same observed set.
func (bv BitmappedVersion) Equal(other BitmappedVersion) bool {
	bv.ensure()
	other.ensure()
	return bv.Base == other.Base && bv.bitmap.Equals(other.bitmap)
}

// IsZero reports whether nothing has been observed.
func (bv BitmappedVersion) IsZero() bool {
	return bv.Base == 0 && (bv.bitmap == nil || bv.bitmap.IsEmpty())
}

func (bv BitmappedVersion) String() string {
	bv.ensure()
	return fmt.Sprintf("{base:%d bitmap:%s}", bv.Base, bv.bitmap.String())
}

// GobEncode serializes the BitmappedVersion, including the roaring bitmap
// (whose contents live in an unexported field gob's default struct codec
// would otherwise silently drop).
func (bv BitmappedVersion) GobEncode() ([]byte, error) {
	bv.ensure()
	bits, err := bv.bitmap.ToBytes()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	var head [8]byte
	binary.LittleEndian.PutUint64(head[:], uint64(bv.Base))
	buf.Write(head[:])
	buf.Write(bits)
	return buf.Bytes(), nil
}

// GobDecode is the inverse of GobEncode.
func (bv *BitmappedVersion) GobDecode(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("causal: short BitmappedVersion encoding")
	}
	bv.Base = Version(binary.LittleEndian.Uint64(data[:8]))
	bv.bitmap = roaring.New()
	if len(data) > 8 {
		if _, err := bv.bitmap.ReadFrom(bytes.NewReader(data[8:])); err != nil {
			return err
		}
	}
	return nil
}
