package raster

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/mwc10/harmony-dl/pkg/errs"
)

// createTestGrid creates a grid with the specified dimensions and pattern
func createTestGrid(width, height int, pattern func(x, y int) uint16) *Grid {
	g := NewGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g.Set(x, y, pattern(x, y))
		}
	}
	return g
}

func encodeGray16(t *testing.T, width, height int, pattern func(x, y int) uint16) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: pattern(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDecodeGray16(t *testing.T) {
	data := encodeGray16(t, 5, 3, func(x, y int) uint16 { return uint16(1000*y + x) })

	g, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 5, g.Width)
	assert.Equal(t, 3, g.Height)
	assert.Equal(t, uint16(2004), g.At(4, 2))
	assert.Equal(t, uint16(0), g.At(0, 0))
}

func TestDecodeEightBitIsWidened(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(1, 1, color.Gray{Y: 0xff})
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	g, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint16(0xffff), g.At(1, 1))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not a tiff"))
	assert.ErrorIs(t, err, errs.ErrDecode)
}

func TestEncodeWritesSixteenBit(t *testing.T) {
	g := createTestGrid(4, 4, func(x, y int) uint16 { return uint16(x*y) * 4000 })

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))

	img, err := tiff.Decode(&buf)
	require.NoError(t, err)
	gray, ok := img.(*image.Gray16)
	require.True(t, ok, "expected *image.Gray16, got %T", img)
	assert.Equal(t, uint16(36000), gray.Gray16At(3, 3).Y)
}

func TestMaxFoldOrderIndependent(t *testing.T) {
	planes := []func() *Grid{
		func() *Grid { return createTestGrid(8, 6, func(x, y int) uint16 { return uint16(x * 100) }) },
		func() *Grid { return createTestGrid(8, 6, func(x, y int) uint16 { return uint16(y * 150) }) },
		func() *Grid { return createTestGrid(8, 6, func(x, y int) uint16 { return uint16((x + y) * 60) }) },
	}
	orders := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	var want *Grid
	for _, order := range orders {
		var fold MaxFold
		for _, i := range order {
			require.NoError(t, fold.Add("plane", planes[i]()))
		}
		got, ok := fold.Result()
		require.True(t, ok)
		assert.Equal(t, 3, fold.Planes())

		if want == nil {
			want = got
			continue
		}
		assert.Equal(t, want.Pix, got.Pix, "order %v", order)
	}

	assert.Equal(t, uint16(700), want.At(7, 0))
	assert.Equal(t, uint16(750), want.At(0, 5))
	assert.Equal(t, uint16(750), want.At(7, 5))
}

func TestMaxFoldMerge(t *testing.T) {
	a := createTestGrid(2, 1, func(x, y int) uint16 { return []uint16{5, 1}[x] })
	b := createTestGrid(2, 1, func(x, y int) uint16 { return []uint16{2, 9}[x] })

	var left, right, empty MaxFold
	require.NoError(t, left.Add("a", a))
	require.NoError(t, right.Add("b", b))
	require.NoError(t, left.Merge(&right))
	require.NoError(t, left.Merge(&empty))

	got, _ := left.Result()
	assert.Equal(t, []uint16{5, 9}, got.Pix)
	assert.Equal(t, 2, left.Planes())
}

func TestMaxFoldDimensionMismatch(t *testing.T) {
	var fold MaxFold
	require.NoError(t, fold.Add("first", NewGrid(4, 4)))

	err := fold.Add("http://host/second.tiff", NewGrid(4, 5))
	require.ErrorIs(t, err, errs.ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "second.tiff")
}

func TestEmptyFold(t *testing.T) {
	var fold MaxFold
	_, ok := fold.Result()
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	g := &Grid{Width: 4, Height: 1, Pix: []uint16{2, 4, 4, 6}}
	s := g.Stats()
	assert.Equal(t, uint16(2), s.Min)
	assert.Equal(t, uint16(6), s.Max)
	assert.InDelta(t, 4.0, s.Mean, 1e-9)
	// sample standard deviation of {2,4,4,6}
	assert.InDelta(t, 1.632993, s.StdDev, 1e-6)

	assert.Equal(t, Stats{}, (&Grid{}).Stats())
}
