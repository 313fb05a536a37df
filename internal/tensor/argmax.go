package tensor

import (
	"errors"
	"fmt"
	"math"
)

var ErrEmptyLogits = errors.New("tensor: no logits to reduce")

// ArgmaxShards returns the global argmax over a vocabulary split across
// shards. Each shard is laid out as [..., positions, width]; row selects the
// position. Token ids are assigned in shard order, so shard k covers ids
// starting at the sum of the widths of shards 0..k-1. Ties resolve to the
// lowest token id and NaN values never win.
func ArgmaxShards(shards []*Buffer, row int) (int, error) {
	if len(shards) == 0 {
		return 0, ErrEmptyLogits
	}
	best := -1
	bestV := float32(math.Inf(-1))
	base := 0
	for si, s := range shards {
		if s == nil {
			return 0, fmt.Errorf("%w: shard %d is nil", ErrEmptyLogits, si)
		}
		width := s.shape.Dim(-1)
		rows := 1
		if len(s.shape) > 1 {
			rows = s.Len() / width
		}
		if row < 0 || row >= rows {
			return 0, fmt.Errorf("%w: row %d outside shard %s%s", ErrShapeMismatch, row, s.name, s.shape)
		}
		off := row * width
		for j := range width {
			v := s.At(off + j)
			if v != v {
				continue
			}
			if best < 0 || v > bestV {
				best = base + j
				bestV = v
			}
		}
		base += width
	}
	if best < 0 {
		return 0, ErrEmptyLogits
	}
	return best, nil
}
