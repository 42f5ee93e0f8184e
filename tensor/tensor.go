// Package tensor is a device-memory arena for batched self-play. Every tensor is owned
// by an Arena, is created inside a Scope and must be released explicitly; the arena
// counts live tensors and host transfers so leaks show up in tests.
//
// tensor パッケージはデバイス上のテンソルを管理するアリーナを提供する。
// テンソルは Scope 内で生成され、明示的に解放されなければならない。
package tensor

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/plaguezero/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

const bytesPerElement = 4

type Shape struct {
	Rows int
	Cols int
}

func (s Shape) N() int {
	return s.Rows * s.Cols
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d,%d]", s.Rows, s.Cols)
}

// Tensor is a [rows, cols] float32 matrix resident in an Arena. Using a released
// tensor panics.
type Tensor struct {
	arena    *Arena
	id       uint64
	gen      blas32.General
	released bool
}

func (t *Tensor) Shape() Shape {
	return Shape{Rows: t.gen.Rows, Cols: t.gen.Cols}
}

func (t *Tensor) Released() bool {
	return t.released
}

// Release returns the tensor's memory to the arena. Releasing twice is a no-op.
func (t *Tensor) Release() {
	if t.released {
		return
	}
	t.released = true
	t.arena.free(t)
}

func (t *Tensor) data() blas32.General {
	if t.released {
		panic(fmt.Sprintf("tensor: use of released tensor %d %v", t.id, t.Shape()))
	}
	return t.gen
}

// Download copies the tensor to host memory. It is the only device to host
// transfer and is counted by the arena.
func (t *Tensor) Download() []float32 {
	g := t.data()
	out := make([]float32, len(g.Data))
	copy(out, g.Data)
	t.arena.downloaded += int64(len(out) * bytesPerElement)
	return out
}

// Arena owns every tensor it hands out. It is not safe for concurrent use.
type Arena struct {
	rng        *rand.Rand
	live       map[uint64]*Tensor
	nextID     uint64
	liveBytes  int64
	downloaded int64
	uploaded   int64
}

func NewArena(rng *rand.Rand) *Arena {
	return &Arena{rng: rng, live: map[uint64]*Tensor{}}
}

func (a *Arena) alloc(g blas32.General) *Tensor {
	a.nextID++
	t := &Tensor{arena: a, id: a.nextID, gen: g}
	a.live[t.id] = t
	a.liveBytes += int64(len(g.Data) * bytesPerElement)
	return t
}

func (a *Arena) free(t *Tensor) {
	if _, ok := a.live[t.id]; !ok {
		return
	}
	delete(a.live, t.id)
	a.liveBytes -= int64(len(t.gen.Data) * bytesPerElement)
	t.gen = blas32.General{}
}

func (a *Arena) zeros(s Shape) *Tensor {
	return a.alloc(tensor2d.NewZeros(s.Rows, s.Cols))
}

// Live is the number of tensors not yet released.
func (a *Arena) Live() int {
	return len(a.live)
}

func (a *Arena) LiveBytes() int64 {
	return a.liveBytes
}

func (a *Arena) Downloaded() int64 {
	return a.downloaded
}

func (a *Arena) Uploaded() int64 {
	return a.uploaded
}
