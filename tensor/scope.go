package tensor

// Scope collects every tensor created through it. When the enclosing Tidy returns,
// all of them except the result and those passed to Keep are released.
type Scope struct {
	arena *Arena
	owned []*Tensor
	kept  map[uint64]bool
}

func (s *Scope) track(t *Tensor) *Tensor {
	s.owned = append(s.owned, t)
	return t
}

// Keep marks t to survive the scope. The caller becomes responsible for releasing it.
func (s *Scope) Keep(t *Tensor) *Tensor {
	s.kept[t.id] = true
	return t
}

func (s *Scope) close() {
	for _, t := range s.owned {
		if !s.kept[t.id] {
			t.Release()
		}
	}
	s.owned = nil
}

// Tidy runs f in a fresh scope and releases its intermediates. On error nothing but
// the explicitly kept tensors survives.
func (a *Arena) Tidy(f func(s *Scope) (*Tensor, error)) (*Tensor, error) {
	s := &Scope{arena: a, kept: map[uint64]bool{}}
	defer s.close()

	t, err := f(s)
	if err != nil {
		return nil, err
	}
	if t != nil {
		s.Keep(t)
	}
	return t, nil
}
