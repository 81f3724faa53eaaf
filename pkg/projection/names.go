package projection

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
)

// Minimum zero-padded widths of the filename components.
const (
	minRowDigits       = 2
	minColDigits       = 2
	minTimepointDigits = 1
	minFieldDigits     = 3
	minPlaneDigits     = 2
)

var unsafeName = strings.NewReplacer("/", "_", `\`, "_", ":", "_")

// NameFormat builds output file names. Every number is padded to the
// digits of the largest value of that dimension in the document, so all
// files of one export sort the same way lexically and numerically.
// Channels whose names collide after sanitizing get their ID appended.
type NameFormat struct {
	channels map[models.ChannelID]string

	row, col, timepoint, field, plane int
}

// NewNameFormat derives the widths from h.
func NewNameFormat(h *models.Harmony) NameFormat {
	tp, field, plane := h.Maxima()

	channels := make(map[models.ChannelID]string, len(h.Channels))
	uses := make(map[string]int, len(h.Channels))
	for id, ch := range h.Channels {
		name := unsafeName.Replace(strings.TrimSpace(ch.Name))
		if name == "" {
			name = fmt.Sprintf("ch%d", id)
		}
		channels[id] = name
		uses[name]++
	}
	// Channels sharing a name would write to the same files.
	for id, name := range channels {
		if uses[name] > 1 {
			channels[id] = fmt.Sprintf("%s-ch%d", name, id)
		}
	}

	return NameFormat{
		channels:  channels,
		row:       max(minRowDigits, digits(uint64(h.Plate.Rows))),
		col:       max(minColDigits, digits(uint64(h.Plate.Cols))),
		timepoint: max(minTimepointDigits, digits(uint64(tp))),
		field:     max(minFieldDigits, digits(uint64(field))),
		plane:     max(minPlaneDigits, digits(uint64(plane))),
	}
}

func digits(n uint64) int {
	return len(strconv.FormatUint(n, 10))
}

// Check fails with errs.ErrStructure if any image refers to a channel
// without a name.
func (n NameFormat) Check(images []*models.Image) error {
	for _, img := range images {
		if _, ok := n.channels[img.Channel]; !ok {
			return errs.Structuref("image <%s>: channel %d is not defined in <Maps>", img.URL, img.Channel)
		}
	}
	return nil
}

func (n NameFormat) stem(img *models.Image) string {
	return fmt.Sprintf("%s-R%0*dC%0*dT%0*dF%0*d",
		n.channels[img.Channel],
		n.row, img.Row,
		n.col, img.Col,
		n.timepoint, img.Timepoint,
		n.field, img.Field)
}

// Projection names the projection of the stack img belongs to.
func (n NameFormat) Projection(img *models.Image) string {
	return n.stem(img) + ".tiff"
}

// Plane names a single plane.
func (n NameFormat) Plane(img *models.Image) string {
	return fmt.Sprintf("%sP%0*d.tiff", n.stem(img), n.plane, img.Plane)
}
