// Package raster holds the 16-bit intensity grids the projection pipeline
// works on: TIFF decoding and encoding, the pixel-wise maximum fold, and
// simple intensity statistics.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/stat"

	"github.com/mwc10/harmony-dl/pkg/errs"
)

// Grid is a single-channel 16-bit intensity image stored row-major.
type Grid struct {
	Width  int
	Height int
	Pix    []uint16
}

// NewGrid allocates a zeroed width x height grid.
func NewGrid(width, height int) *Grid {
	return &Grid{
		Width:  width,
		Height: height,
		Pix:    make([]uint16, width*height),
	}
}

// At returns the intensity at (x, y).
func (g *Grid) At(x, y int) uint16 {
	return g.Pix[y*g.Width+x]
}

// Set stores the intensity at (x, y).
func (g *Grid) Set(x, y int, v uint16) {
	g.Pix[y*g.Width+x] = v
}

// SameSize reports whether g and o have identical dimensions.
func (g *Grid) SameSize(o *Grid) bool {
	return g.Width == o.Width && g.Height == o.Height
}

// FromImage converts any image to a 16-bit luminance grid. Gray16 images
// are copied directly; everything else goes through color.Gray16Model.
func FromImage(img image.Image) *Grid {
	bounds := img.Bounds()
	g := NewGrid(bounds.Dx(), bounds.Dy())

	if gray, ok := img.(*image.Gray16); ok {
		for y := 0; y < g.Height; y++ {
			row := gray.Pix[y*gray.Stride:]
			for x := 0; x < g.Width; x++ {
				g.Pix[y*g.Width+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
			}
		}
		return g
	}

	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			g.Pix[y*g.Width+x] = c.Y
		}
	}
	return g
}

// Image returns g as an *image.Gray16.
func (g *Grid) Image() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, g.Width, g.Height))
	for y := 0; y < g.Height; y++ {
		for x := 0; x < g.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: g.At(x, y)})
		}
	}
	return img
}

// Decode reads a TIFF plane into a grid.
func Decode(data []byte) (*Grid, error) {
	img, err := tiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: reading raw bytes as TIFF image: %w", errs.ErrDecode, err)
	}
	return FromImage(img), nil
}

// Encode writes g as an uncompressed single-plane 16-bit TIFF.
func Encode(w io.Writer, g *Grid) error {
	return tiff.Encode(w, g.Image(), &tiff.Options{Compression: tiff.Uncompressed})
}

// Stats summarizes the intensities of a grid.
type Stats struct {
	Min    uint16  `json:"min"`
	Max    uint16  `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Stats computes the intensity statistics of g.
func (g *Grid) Stats() Stats {
	if len(g.Pix) == 0 {
		return Stats{}
	}

	values := make([]float64, len(g.Pix))
	s := Stats{Min: g.Pix[0], Max: g.Pix[0]}
	for i, v := range g.Pix {
		values[i] = float64(v)
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s
}
