// Package harmonyxml reads a Harmony measurement export in one forward
// pass over the XML token stream, without building a document tree.
//
// Only three top-level sections matter: <Plates>, <Maps> and <Images>.
// Each is handled by its own state object; everything outside them is
// skipped. The result is a models.Harmony or an error, never both.
package harmonyxml

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
)

// document holds the artifacts produced so far. A nil field means the
// section that produces it has not been seen.
type document struct {
	plate    *models.Plate
	channels map[models.ChannelID]models.Channel
	images   []models.Image
	wells    map[models.WellKey]*models.WellInfo
}

func (d *document) missing() []string {
	var out []string
	if d.plate == nil {
		out = append(out, "Plate")
	}
	if d.channels == nil {
		out = append(out, "Channels")
	}
	if d.images == nil {
		out = append(out, "Images")
	}
	if d.wells == nil {
		out = append(out, "Wells")
	}
	return out
}

// ParseFile opens path and parses it.
func ParseFile(path string) (*models.Harmony, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening XML file: %w", err)
	}
	defer f.Close()

	return Parse(bufio.NewReaderSize(f, 1<<16))
}

// Parse reads an export from r.
func Parse(r io.Reader) (*models.Harmony, error) {
	dec := xml.NewDecoder(r)
	var (
		doc     document
		active  section
		current string
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: getting next XML event at offset %d: %w", errs.ErrStructure, dec.InputOffset(), err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if active == nil {
				current = t.Name.Local
				active, err = enter(current, &doc)
			} else {
				err = active.start(t)
			}

		case xml.EndElement:
			if active == nil {
				continue
			}
			var done bool
			done, err = active.end(t.Name.Local)
			if err == nil && done {
				err = active.finish(&doc)
				active = nil
			}

		case xml.CharData:
			if active == nil {
				continue
			}
			err = active.text(string(t))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing <%s>: %w", current, err)
		}
	}

	if active != nil {
		return nil, errs.Structuref("document ended inside <%s>", current)
	}
	if missing := doc.missing(); len(missing) > 0 {
		return nil, &errs.IncompleteError{Missing: missing}
	}

	return models.NewHarmony(*doc.plate, doc.channels, doc.images, doc.wells)
}

// enter returns the state object for a top-level section, or nil when name
// is not a section of interest.
func enter(name string, doc *document) (section, error) {
	switch name {
	case "Plates":
		if doc.plate != nil {
			return nil, fmt.Errorf("%w: found more than one <Plates> section", errs.ErrCardinality)
		}
		return &plateSection{}, nil
	case "Maps":
		if doc.channels != nil {
			return nil, errs.Structuref("duplicate <Maps> section")
		}
		return newMapSection(), nil
	case "Images":
		if doc.images != nil {
			return nil, errs.Structuref("duplicate <Images> section")
		}
		return newImageSection(), nil
	}
	return nil, nil
}
