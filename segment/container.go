package segment

import (
	"fmt"
	"time"
)

// Container is an N-dimensional array of segments, one per point of a
// parameter sweep.  Elements are stored flat in row-major order.
type Container struct {
	shape []int
	data  []Segment
}

// CheckShape returns ErrIndexOutOfRange if any dimension of shape is not
// positive
func CheckShape(shape []int) error {
	for i, s := range shape {
		if s <= 0 {
			return fmt.Errorf("%w: dimension %d has size %d", ErrIndexOutOfRange, i, s)
		}
	}
	return nil
}

// NewContainer returns a container of the given shape, each element made by
// mk.  An empty shape holds a single element.  It panics if shape fails
// CheckShape.
func NewContainer(shape []int, mk func() Segment) *Container {
	if err := CheckShape(shape); err != nil {
		panic(err)
	}
	n := 1
	for _, s := range shape {
		n *= s
	}
	c := &Container{shape: append([]int(nil), shape...), data: make([]Segment, n)}
	for i := range c.data {
		c.data[i] = mk()
	}
	return c
}

// Shape returns the dimensions of the container
func (c *Container) Shape() []int {
	return append([]int(nil), c.shape...)
}

// Len is the number of elements
func (c *Container) Len() int {
	return len(c.data)
}

func (c *Container) flatIndex(idx []int) (int, error) {
	if len(idx) != len(c.shape) {
		return 0, fmt.Errorf("%w: %d indices for %d dimensions", ErrIndexOutOfRange, len(idx), len(c.shape))
	}
	flat := 0
	for i, v := range idx {
		if v < 0 || v >= c.shape[i] {
			return 0, fmt.Errorf("%w: index %d of dimension %d with size %d", ErrIndexOutOfRange, v, i, c.shape[i])
		}
		flat = flat*c.shape[i] + v
	}
	return flat, nil
}

// At returns the element at the N-dimensional index idx
func (c *Container) At(idx ...int) (Segment, error) {
	i, err := c.flatIndex(idx)
	if err != nil {
		return nil, err
	}
	return c.data[i], nil
}

// Set replaces the element at idx
func (c *Container) Set(s Segment, idx ...int) error {
	i, err := c.flatIndex(idx)
	if err != nil {
		return err
	}
	c.data[i] = s
	return nil
}

// Index returns the element at flat index i.  A single element container
// broadcasts to every index.
func (c *Container) Index(i int) (Segment, error) {
	if len(c.data) == 1 {
		return c.data[0], nil
	}
	if i < 0 || i >= len(c.data) {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, len(c.data))
	}
	return c.data[i], nil
}

// Flat returns the elements in row-major order
func (c *Container) Flat() []Segment {
	return append([]Segment(nil), c.data...)
}

// Apply calls fn on every element, stopping at the first error
func (c *Container) Apply(fn func(Segment) error) error {
	for _, s := range c.data {
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

// TotalTimes returns the total time of each element in row-major order
func (c *Container) TotalTimes() []float64 {
	out := make([]float64, len(c.data))
	for i, s := range c.data {
		out[i] = s.TotalTime()
	}
	return out
}

// StartTimes returns the start cursor of each element in row-major order
func (c *Container) StartTimes() []float64 {
	out := make([]float64, len(c.data))
	for i, s := range c.data {
		out[i] = s.StartTime()
	}
	return out
}

// LastMod is the most recent modification of any element
func (c *Container) LastMod() time.Time {
	var t time.Time
	for _, s := range c.data {
		if lm := s.LastMod(); lm.After(t) {
			t = lm
		}
	}
	return t
}

// Copy is a deep copy; every element gets a new identity
func (c *Container) Copy() *Container {
	out := &Container{shape: c.Shape(), data: make([]Segment, len(c.data))}
	for i, s := range c.data {
		out.data[i] = s.Copy()
	}
	return out
}
