package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mwc10/harmony-dl/internal/models"
)

var wellPattern = regexp.MustCompile(`^[rR](\d+)[cC](\d+)$`)

const maxRange = 1 << 16

// ParseWells parses a comma separated list of wells written as R01C01 (case
// and zero padding do not matter).
func ParseWells(s string) ([]models.WellKey, error) {
	var out []models.WellKey
	for _, part := range splitList(s) {
		m := wellPattern.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid well %q: want R<row>C<col>", part)
		}
		row, err := strconv.ParseUint(m[1], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid well row in %q: %w", part, err)
		}
		col, err := strconv.ParseUint(m[2], 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid well column in %q: %w", part, err)
		}
		out = append(out, models.WellKey{Row: uint16(row), Col: uint16(col)})
	}
	return out, nil
}

// ParseRanges parses a list such as "1-4,7,9" into the numbers it covers.
// bits bounds each value the way strconv.ParseUint does.
func ParseRanges(s string, bits int) ([]uint64, error) {
	var out []uint64
	for _, part := range splitList(s) {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, bits)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, bits)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid range %q: end before start", part)
			}
			if end-start > maxRange {
				return nil, fmt.Errorf("invalid range %q: more than %d values", part, maxRange)
			}
		}
		for v := start; v <= end; v++ {
			out = append(out, v)
		}
	}
	return out, nil
}

// Convert narrows parsed values to the element type of a filter set.
func Convert[T models.ChannelID | uint16 | uint32](values []uint64) []T {
	out := make([]T, len(values))
	for i, v := range values {
		out[i] = T(v)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Spec is the textual form of a filter as written on the command line or in
// a config file. An empty dimension selects every value present in the
// document.
type Spec struct {
	Channels string `yaml:"channels"`
	Wells    string `yaml:"wells"`
	Fields   string `yaml:"fields"`
	Planes   string `yaml:"planes"`
}

// Build resolves s against h.
func (s Spec) Build(h *models.Harmony) (ImageFilter, error) {
	f := All(h)

	if strings.TrimSpace(s.Channels) != "" {
		v, err := ParseRanges(s.Channels, 8)
		if err != nil {
			return ImageFilter{}, fmt.Errorf("channels: %w", err)
		}
		f.Channels = toSet(Convert[models.ChannelID](v))
	}
	if strings.TrimSpace(s.Wells) != "" {
		wells, err := ParseWells(s.Wells)
		if err != nil {
			return ImageFilter{}, fmt.Errorf("wells: %w", err)
		}
		f.Wells = toSet(wells)
	}
	if strings.TrimSpace(s.Fields) != "" {
		v, err := ParseRanges(s.Fields, 32)
		if err != nil {
			return ImageFilter{}, fmt.Errorf("fields: %w", err)
		}
		f.Fields = toSet(Convert[uint32](v))
	}
	if strings.TrimSpace(s.Planes) != "" {
		v, err := ParseRanges(s.Planes, 16)
		if err != nil {
			return ImageFilter{}, fmt.Errorf("planes: %w", err)
		}
		f.Planes = toSet(Convert[uint16](v))
	}
	return f, nil
}
