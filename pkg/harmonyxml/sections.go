package harmonyxml

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
)

// section is the state machine for one top-level section of the export.
// The dispatch loop in Parse feeds it every event between its open and
// close tags and calls finish once end reports the section's own close.
type section interface {
	start(el xml.StartElement) error
	text(data string) error
	end(name string) (done bool, err error)
	finish(doc *document) error
}

// leafCapture implements the leaf-field pattern shared by every record:
// an element open names the pending field, its text is buffered, and its
// close stores the text in the record.
type leafCapture struct {
	field   string
	pending bool
	buf     strings.Builder
}

func (c *leafCapture) open(name string) {
	c.field = name
	c.pending = true
	c.buf.Reset()
}

// text buffers data for the open field. A field's text may arrive split
// across several CharData tokens, e.g. around CDATA sections, and is joined.
// Whitespace between elements is ignored.
func (c *leafCapture) text(data string) error {
	if !c.pending {
		if strings.TrimSpace(data) == "" {
			return nil
		}
		return errs.Structuref("missing field for data %q", strings.TrimSpace(data))
	}
	c.buf.WriteString(data)
	return nil
}

func (c *leafCapture) close(name string, rec models.Record) {
	if !c.pending || name != c.field {
		return
	}
	c.pending = false
	if rec != nil {
		rec.Set(c.field, strings.TrimSpace(c.buf.String()))
	}
}

func (c *leafCapture) reset() {
	c.pending = false
	c.buf.Reset()
}

// plateSection handles <Plates>. It must yield exactly one <Plate>.
type plateSection struct {
	leaf   leafCapture
	rec    models.Record
	plates []models.Plate
}

func (s *plateSection) start(el xml.StartElement) error {
	switch el.Name.Local {
	case "Plate":
		if s.rec != nil {
			return errs.Structuref("<Plate> opened without finishing prior plate")
		}
		s.rec = models.NewRecord(8)
	case "Well":
		// well references are not plate fields
	default:
		if s.rec != nil {
			s.leaf.open(el.Name.Local)
		}
	}
	return nil
}

func (s *plateSection) text(data string) error {
	return s.leaf.text(data)
}

func (s *plateSection) end(name string) (bool, error) {
	switch name {
	case "Plate":
		if s.rec == nil {
			return false, errs.Structuref("missing record when </Plate> closed")
		}
		plate, err := models.PlateFromRecord(s.rec)
		if err != nil {
			return false, fmt.Errorf("converting record into Plate: %w", err)
		}
		s.plates = append(s.plates, plate)
		s.rec = nil
		s.leaf.reset()
	case "Plates":
		return true, nil
	default:
		s.leaf.close(name, s.rec)
	}
	return false, nil
}

func (s *plateSection) finish(doc *document) error {
	switch len(s.plates) {
	case 0:
		return fmt.Errorf("%w: found no plates in <Plates> section", errs.ErrCardinality)
	case 1:
		doc.plate = &s.plates[0]
		return nil
	default:
		return fmt.Errorf("%w: found more than 1 plate in <Plates> section: %d", errs.ErrCardinality, len(s.plates))
	}
}

// mapSection handles <Maps>. Channel attributes may be spread over several
// <Map> blocks, each with an <Entry ChannelID="n">; entries with the same
// ChannelID are merged and a repeated field keeps its last value.
type mapSection struct {
	leaf    leafCapture
	current *models.ChannelID
	raw     map[models.ChannelID]models.Record
}

func newMapSection() *mapSection {
	return &mapSection{raw: make(map[models.ChannelID]models.Record)}
}

func channelIDAttr(attrs []xml.Attr) (models.ChannelID, error) {
	for _, a := range attrs {
		if a.Name.Local != "ChannelID" {
			continue
		}
		id, err := strconv.ParseUint(a.Value, 10, 8)
		if err != nil {
			return 0, &errs.ConversionError{Record: "Entry", Field: "ChannelID", Type: "u8", Value: a.Value, Err: err}
		}
		return models.ChannelID(id), nil
	}
	return 0, errs.Structuref("no ChannelID in <Entry> attributes")
}

func (s *mapSection) start(el xml.StartElement) error {
	if el.Name.Local == "Entry" {
		if s.current != nil {
			return errs.Structuref("<Entry> opened inside channel %d entry", *s.current)
		}
		id, err := channelIDAttr(el.Attr)
		if err != nil {
			return err
		}
		if _, ok := s.raw[id]; !ok {
			s.raw[id] = models.NewRecord(16)
		}
		s.current = &id
		return nil
	}
	if s.current != nil {
		s.leaf.open(el.Name.Local)
	}
	return nil
}

func (s *mapSection) text(data string) error {
	return s.leaf.text(data)
}

func (s *mapSection) end(name string) (bool, error) {
	switch name {
	case "Entry":
		if s.current == nil {
			return false, errs.Structuref("missing channel when </Entry> closed")
		}
		s.current = nil
		s.leaf.reset()
	case "Maps":
		return true, nil
	default:
		if s.current != nil {
			s.leaf.close(name, s.raw[*s.current])
		}
	}
	return false, nil
}

func (s *mapSection) finish(doc *document) error {
	channels := make(map[models.ChannelID]models.Channel, len(s.raw))
	for id, rec := range s.raw {
		ch, err := models.ChannelFromRecord(id, rec)
		if err != nil {
			return err
		}
		channels[id] = ch
	}
	doc.channels = channels
	return nil
}

// imageSection handles <Images>, one record per <Image>.
type imageSection struct {
	leaf   leafCapture
	rec    models.Record
	images []models.Image
}

func newImageSection() *imageSection {
	return &imageSection{images: make([]models.Image, 0, 1024)}
}

func (s *imageSection) start(el xml.StartElement) error {
	if el.Name.Local == "Image" {
		if s.rec != nil {
			return errs.Structuref("<Image> opened without finishing image %d", len(s.images))
		}
		s.rec = models.NewRecord(32)
		return nil
	}
	if s.rec != nil {
		s.leaf.open(el.Name.Local)
	}
	return nil
}

func (s *imageSection) text(data string) error {
	return s.leaf.text(data)
}

func (s *imageSection) end(name string) (bool, error) {
	switch name {
	case "Image":
		if s.rec == nil {
			return false, errs.Structuref("missing record after closing </Image>")
		}
		img, err := models.ImageFromRecord(s.rec)
		if err != nil {
			return false, fmt.Errorf("parsing data of image %d: %w", len(s.images), err)
		}
		s.images = append(s.images, img)
		s.rec = nil
		s.leaf.reset()
	case "Images":
		return true, nil
	default:
		s.leaf.close(name, s.rec)
	}
	return false, nil
}

func (s *imageSection) finish(doc *document) error {
	doc.images = s.images
	doc.wells = models.SummarizeImages(s.images)
	return nil
}
