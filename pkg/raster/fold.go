package raster

import (
	"github.com/mwc10/harmony-dl/pkg/errs"
)

// MaxInto sets every pixel of dst to max(dst, src). Both grids must have
// the same size.
func MaxInto(dst, src *Grid) {
	for i, v := range src.Pix {
		if v > dst.Pix[i] {
			dst.Pix[i] = v
		}
	}
}

// MaxFold reduces a focal stack to its maximum-intensity projection. The
// zero value is the identity: no plane seen yet. The first plane added
// becomes the accumulator, so the fold owns the grids it is given.
//
// Because pixel-wise max is commutative and associative the result does
// not depend on the order planes are added in, and two folds over disjoint
// parts of a stack can be combined with Merge.
type MaxFold struct {
	acc    *Grid
	planes int
}

// Add folds g into the projection. source names the plane in errors.
func (m *MaxFold) Add(source string, g *Grid) error {
	if m.acc == nil {
		m.acc = g
		m.planes = 1
		return nil
	}
	if !m.acc.SameSize(g) {
		return &errs.DimensionMismatchError{
			Source:     source,
			WantWidth:  m.acc.Width,
			WantHeight: m.acc.Height,
			GotWidth:   g.Width,
			GotHeight:  g.Height,
		}
	}
	MaxInto(m.acc, g)
	m.planes++
	return nil
}

// Merge folds the planes accumulated by o into m.
func (m *MaxFold) Merge(o *MaxFold) error {
	if o.acc == nil {
		return nil
	}
	if err := m.Add("merged projection", o.acc); err != nil {
		return err
	}
	m.planes += o.planes - 1
	return nil
}

// Result returns the projection, or false when no plane was added.
func (m *MaxFold) Result() (*Grid, bool) {
	return m.acc, m.acc != nil
}

// Planes returns how many planes were folded.
func (m *MaxFold) Planes() int {
	return m.planes
}
