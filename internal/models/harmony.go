package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/mwc10/harmony-dl/pkg/errs"
)

// ChannelID is the instrument-assigned identifier of a detection channel.
type ChannelID uint8

// MarshalJSON writes the ID as a number. Without it encoding/json treats
// a []ChannelID as bytes and writes base64.
func (id ChannelID) MarshalJSON() ([]byte, error) {
	return strconv.AppendUint(nil, uint64(id), 10), nil
}

// Plate describes the imaging plate. A document carries exactly one.
type Plate struct {
	// ID is the instrument's plate identifier
	ID string `json:"id"`

	// Name is the user-facing plate name
	Name string `json:"name"`

	// Kind is the plate type name, e.g. "PerkinElmer CellCarrier-96 Ultra"
	Kind string `json:"kind"`

	// Rows and Cols bound the well coordinates of every Image
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// Channel is one detection configuration.
type Channel struct {
	ID   ChannelID `json:"id"`
	Name string    `json:"name"`

	// Resolution is the pixel size (x, y) in micrometers. The export
	// states it in meters.
	Resolution [2]float64 `json:"res"`

	// Magnification of the objective used for this channel
	Magnification uint16 `json:"mag"`
}

// Image is one captured plane. Images are never modified after parsing.
type Image struct {
	// Row and Col are 1-based well coordinates
	Row uint16
	Col uint16

	Field     uint32
	Plane     uint16
	Timepoint uint32
	Channel   ChannelID

	// URL locates the raw plane; it may be relative to the export directory
	URL string

	// Position is (x, y, z, absolute z) in meters
	Position [4]float64
}

// WellKey addresses one well by its 1-based row and column. It is written
// as a [row, col] pair in JSON and YAML.
type WellKey struct {
	Row uint16
	Col uint16
}

func (k WellKey) String() string {
	return fmt.Sprintf("R%02dC%02d", k.Row, k.Col)
}

func (k WellKey) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]uint16{k.Row, k.Col})
}

func (k *WellKey) UnmarshalJSON(data []byte) error {
	var pair [2]uint16
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("well must be a [row, col] pair: %w", err)
	}
	k.Row, k.Col = pair[0], pair[1]
	return nil
}

func (k WellKey) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.SequenceNode,
		Style: yaml.FlowStyle,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(uint64(k.Row), 10)},
			{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatUint(uint64(k.Col), 10)},
		},
	}, nil
}

func (k *WellKey) UnmarshalYAML(value *yaml.Node) error {
	var pair [2]uint16
	if err := value.Decode(&pair); err != nil {
		return fmt.Errorf("well must be a [row, col] pair: %w", err)
	}
	k.Row, k.Col = pair[0], pair[1]
	return nil
}

// WellInfo summarizes the acquisitions found at one occupied well. Wells
// may be irregular: one well can have fewer fields or planes than another.
type WellInfo struct {
	Row        uint16
	Col        uint16
	Fields     map[uint32]struct{}
	Planes     map[uint16]struct{}
	Timepoints map[uint32]struct{}
}

func newWellInfo(row, col uint16) *WellInfo {
	return &WellInfo{
		Row:        row,
		Col:        col,
		Fields:     make(map[uint32]struct{}),
		Planes:     make(map[uint16]struct{}),
		Timepoints: make(map[uint32]struct{}),
	}
}

// Harmony is the parsed export: one plate, its channels, every image in
// document order and the derived per-well summary.
type Harmony struct {
	Plate    Plate
	Channels map[ChannelID]Channel
	Images   []Image
	Wells    map[WellKey]*WellInfo
}

// NewHarmony assembles a document from its four parts. It fails if any
// image lies outside the plate or any well summary key does.
func NewHarmony(plate Plate, channels map[ChannelID]Channel, images []Image, wells map[WellKey]*WellInfo) (*Harmony, error) {
	for i := range images {
		img := &images[i]
		if img.Row < 1 || img.Row > plate.Rows || img.Col < 1 || img.Col > plate.Cols {
			return nil, errs.Structuref("image %d (%s) at R%dC%d lies outside the %dx%d plate",
				i, img.URL, img.Row, img.Col, plate.Rows, plate.Cols)
		}
	}
	for k := range wells {
		if k.Row < 1 || k.Row > plate.Rows || k.Col < 1 || k.Col > plate.Cols {
			return nil, errs.Structuref("well %s lies outside the %dx%d plate", k, plate.Rows, plate.Cols)
		}
	}

	return &Harmony{
		Plate:    plate,
		Channels: channels,
		Images:   images,
		Wells:    wells,
	}, nil
}

// SummarizeImages builds the well summary in one pass over images.
func SummarizeImages(images []Image) map[WellKey]*WellInfo {
	wells := make(map[WellKey]*WellInfo)
	for i := range images {
		img := &images[i]
		key := WellKey{Row: img.Row, Col: img.Col}
		w, ok := wells[key]
		if !ok {
			w = newWellInfo(img.Row, img.Col)
			wells[key] = w
		}
		w.Fields[img.Field] = struct{}{}
		w.Planes[img.Plane] = struct{}{}
		w.Timepoints[img.Timepoint] = struct{}{}
	}
	return wells
}

// ChannelName returns the display name of id. Images reference channels
// that are only checked here, not while parsing.
func (h *Harmony) ChannelName(id ChannelID) (string, error) {
	ch, ok := h.Channels[id]
	if !ok {
		return "", fmt.Errorf("channel %d is not defined in <Maps>", id)
	}
	return ch.Name, nil
}

// SortedChannels returns the channels ordered by ID.
func (h *Harmony) SortedChannels() []Channel {
	out := make([]Channel, 0, len(h.Channels))
	for _, ch := range h.Channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Maxima returns the largest timepoint, field and plane index over all
// images of the document.
func (h *Harmony) Maxima() (timepoint, field uint32, plane uint16) {
	for i := range h.Images {
		img := &h.Images[i]
		timepoint = max(timepoint, img.Timepoint)
		field = max(field, img.Field)
		plane = max(plane, img.Plane)
	}
	return timepoint, field, plane
}

// PlateFromRecord converts an accumulated <Plate> record.
func PlateFromRecord(rec Record) (Plate, error) {
	f := rec.reader("Plate")
	p := Plate{
		ID:   f.str("PlateID"),
		Name: f.str("Name"),
		Kind: f.str("PlateTypeName"),
		Rows: f.u16("PlateRows"),
		Cols: f.u16("PlateColumns"),
	}
	if f.err != nil {
		return Plate{}, f.err
	}
	return p, nil
}

// ChannelFromRecord converts the merged <Entry> fields of one channel.
func ChannelFromRecord(id ChannelID, rec Record) (Channel, error) {
	f := rec.reader(fmt.Sprintf("Channel %d", id))
	ch := Channel{
		ID:   id,
		Name: f.str("ChannelName"),
		Resolution: [2]float64{
			f.f64("ImageResolutionX") * 1e6,
			f.f64("ImageResolutionY") * 1e6,
		},
		Magnification: f.u16("ObjectiveMagnification"),
	}
	if f.err != nil {
		return Channel{}, f.err
	}
	return ch, nil
}

// ImageFromRecord converts an accumulated <Image> record. Every field it
// reads is mandatory.
func ImageFromRecord(rec Record) (Image, error) {
	f := rec.reader("Image")
	img := Image{
		URL:       f.str("URL"),
		Row:       f.u16("Row"),
		Col:       f.u16("Col"),
		Field:     f.u32("FieldID"),
		Plane:     f.u16("PlaneID"),
		Timepoint: f.u32("TimepointID"),
		Channel:   ChannelID(f.u8("ChannelID")),
		Position: [4]float64{
			f.f64("PositionX"),
			f.f64("PositionY"),
			f.f64("PositionZ"),
			f.f64("AbsPositionZ"),
		},
	}
	if f.err != nil {
		return Image{}, f.err
	}
	return img, nil
}
