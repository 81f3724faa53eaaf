package filter

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/mwc10/harmony-dl/internal/models"
)

// StackKey identifies the images that form one z-stack.
type StackKey struct {
	Row       uint16
	Col       uint16
	Channel   models.ChannelID
	Timepoint uint32
	Field     uint32
}

// KeyOf returns the stack img belongs to.
func KeyOf(img *models.Image) StackKey {
	return StackKey{
		Row:       img.Row,
		Col:       img.Col,
		Channel:   img.Channel,
		Timepoint: img.Timepoint,
		Field:     img.Field,
	}
}

func (k StackKey) String() string {
	return fmt.Sprintf("R%dC%dT%dF%d @ channel %d", k.Row, k.Col, k.Timepoint, k.Field, k.Channel)
}

// GroupIntoStacks buckets images by StackKey. Within a stack the input
// order is kept.
func GroupIntoStacks(images []*models.Image) map[StackKey][]*models.Image {
	stacks := make(map[StackKey][]*models.Image)
	for _, img := range images {
		key := KeyOf(img)
		stacks[key] = append(stacks[key], img)
	}
	return stacks
}

// SortedKeys returns the keys of stacks in (row, col, channel, timepoint,
// field) order.
func SortedKeys(stacks map[StackKey][]*models.Image) []StackKey {
	keys := make([]StackKey, 0, len(stacks))
	for k := range stacks {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b StackKey) int {
		return cmp.Or(
			cmp.Compare(a.Row, b.Row),
			cmp.Compare(a.Col, b.Col),
			cmp.Compare(a.Channel, b.Channel),
			cmp.Compare(a.Timepoint, b.Timepoint),
			cmp.Compare(a.Field, b.Field),
		)
	})
	return keys
}
