package plague

import (
	"errors"
	"fmt"
	"math/rand/v2"
)

var ErrUnknownVariant = errors.New("unknown variant")

type Variant string

const (
	// Classic は壁の無い盤面
	Classic Variant = "classic"
	// Advanced は毎局ランダムな壁を生成する
	Advanced Variant = "advanced"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(s); v {
	case Classic, Advanced:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

func (v Variant) HasWalls() bool {
	return v == Advanced
}

func NewVariant(v Variant, rows, cols int, rng *rand.Rand) *Engine {
	return New(rows, cols, v.HasWalls(), rng)
}
