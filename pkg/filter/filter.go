// Package filter narrows a parsed document down to the images a user asked
// for and groups them into focal stacks.
package filter

import (
	"cmp"
	"slices"

	"github.com/mwc10/harmony-dl/internal/models"
)

// ImageFilter selects images by four independent membership sets. An image
// passes only when all four of its attributes are members. There is no
// implicit "everything": an empty set selects nothing.
type ImageFilter struct {
	Channels map[models.ChannelID]struct{}
	Wells    map[models.WellKey]struct{}
	Fields   map[uint32]struct{}
	Planes   map[uint16]struct{}
}

// New builds a filter from lists.
func New(channels []models.ChannelID, wells []models.WellKey, fields []uint32, planes []uint16) ImageFilter {
	return ImageFilter{
		Channels: toSet(channels),
		Wells:    toSet(wells),
		Fields:   toSet(fields),
		Planes:   toSet(planes),
	}
}

// All returns a filter that selects every image of h.
func All(h *models.Harmony) ImageFilter {
	f := New(nil, nil, nil, nil)
	for id := range h.Channels {
		f.Channels[id] = struct{}{}
	}
	for i := range h.Images {
		img := &h.Images[i]
		f.Channels[img.Channel] = struct{}{}
		f.Wells[models.WellKey{Row: img.Row, Col: img.Col}] = struct{}{}
		f.Fields[img.Field] = struct{}{}
		f.Planes[img.Plane] = struct{}{}
	}
	return f
}

func toSet[T comparable](items []T) map[T]struct{} {
	set := make(map[T]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// Matches reports whether img passes every dimension of f.
func (f ImageFilter) Matches(img *models.Image) bool {
	if _, ok := f.Channels[img.Channel]; !ok {
		return false
	}
	if _, ok := f.Wells[models.WellKey{Row: img.Row, Col: img.Col}]; !ok {
		return false
	}
	if _, ok := f.Fields[img.Field]; !ok {
		return false
	}
	_, ok := f.Planes[img.Plane]
	return ok
}

// Clone returns a deep copy of f.
func (f ImageFilter) Clone() ImageFilter {
	return ImageFilter{
		Channels: cloneSet(f.Channels),
		Wells:    cloneSet(f.Wells),
		Fields:   cloneSet(f.Fields),
		Planes:   cloneSet(f.Planes),
	}
}

func cloneSet[T comparable](set map[T]struct{}) map[T]struct{} {
	out := make(map[T]struct{}, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// Lists is the serializable form of an ImageFilter with sorted members.
type Lists struct {
	Channels []models.ChannelID `json:"channels" yaml:"channels"`
	Wells    []models.WellKey   `json:"wells"    yaml:"wells"`
	Fields   []uint32           `json:"fields"   yaml:"fields"`
	Planes   []uint16           `json:"planes"   yaml:"planes"`
}

// Lists flattens f.
func (f ImageFilter) Lists() Lists {
	wells := sortedMembers(f.Wells, func(a, b models.WellKey) int {
		if c := cmp.Compare(a.Row, b.Row); c != 0 {
			return c
		}
		return cmp.Compare(a.Col, b.Col)
	})
	return Lists{
		Channels: sortedMembers(f.Channels, cmp.Compare[models.ChannelID]),
		Wells:    wells,
		Fields:   sortedMembers(f.Fields, cmp.Compare[uint32]),
		Planes:   sortedMembers(f.Planes, cmp.Compare[uint16]),
	}
}

// Filter converts l back into an ImageFilter.
func (l Lists) Filter() ImageFilter {
	return New(l.Channels, l.Wells, l.Fields, l.Planes)
}

func sortedMembers[T comparable](set map[T]struct{}, less func(a, b T) int) []T {
	out := make([]T, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, less)
	return out
}

// Select returns the images of h that pass f, in document order. The
// returned pointers refer into h.Images.
func Select(h *models.Harmony, f ImageFilter) []*models.Image {
	var out []*models.Image
	for i := range h.Images {
		if f.Matches(&h.Images[i]) {
			out = append(out, &h.Images[i])
		}
	}
	return out
}
