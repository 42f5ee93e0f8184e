package tensor

type constKey struct {
	shape Shape
	value float32
}

// Cache holds constant tensors reused across ticks, keyed by shape and fill value.
// Each scheduler owns its own cache; nothing here is package-level state.
type Cache struct {
	arena  *Arena
	consts map[constKey]*Tensor
}

func NewCache(a *Arena) *Cache {
	return &Cache{arena: a, consts: map[constKey]*Tensor{}}
}

// Filled returns a cached tensor of the given shape with every element set to v.
// The tensor belongs to the cache and must not be released by the caller.
func (c *Cache) Filled(rows, cols int, v float32) *Tensor {
	key := constKey{shape: Shape{Rows: rows, Cols: cols}, value: v}
	if t, ok := c.consts[key]; ok {
		return t
	}
	t := c.arena.zeros(key.shape)
	if v != 0 {
		for i := range t.gen.Data {
			t.gen.Data[i] = v
		}
	}
	c.consts[key] = t
	return t
}

func (c *Cache) Zeros(rows, cols int) *Tensor {
	return c.Filled(rows, cols, 0)
}

func (c *Cache) Ones(rows, cols int) *Tensor {
	return c.Filled(rows, cols, 1)
}

func (c *Cache) Len() int {
	return len(c.consts)
}

// Evict releases every cached tensor of the given shape.
func (c *Cache) Evict(shape Shape) {
	for k, t := range c.consts {
		if k.shape == shape {
			t.Release()
			delete(c.consts, k)
		}
	}
}

func (c *Cache) Release() {
	for k, t := range c.consts {
		t.Release()
		delete(c.consts, k)
	}
}
