package models

import (
	"slices"
)

// WellSummary is the serializable form of a WellInfo, with each set
// flattened into a sorted list.
type WellSummary struct {
	Row        uint16   `json:"row"`
	Col        uint16   `json:"col"`
	Fields     []uint32 `json:"fields"`
	Planes     []uint16 `json:"planes"`
	Timepoints []uint32 `json:"timepoints"`
}

// Summary flattens w.
func (w *WellInfo) Summary() *WellSummary {
	return &WellSummary{
		Row:        w.Row,
		Col:        w.Col,
		Fields:     sortedKeys(w.Fields),
		Planes:     sortedKeys(w.Planes),
		Timepoints: sortedKeys(w.Timepoints),
	}
}

func sortedKeys[K uint16 | uint32](set map[K]struct{}) []K {
	out := make([]K, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// XMLInfo is the read-only view of a parsed document handed to user
// interfaces. Fields, Planes and Timepoints are maxima over the wells, so
// a plate with one sparse well still reports the fullest well's counts.
type XMLInfo struct {
	Name       string `json:"name"`
	Rows       uint16 `json:"rows"`
	Cols       uint16 `json:"cols"`
	Fields     int    `json:"fields"`
	Planes     int    `json:"planes"`
	Timepoints int    `json:"timepoints"`

	// Wells is a Rows x Cols grid, nil where no image was captured
	Wells [][]*WellSummary `json:"wells"`

	// Channels are sorted by ID
	Channels []Channel `json:"channels"`
}

// NewXMLInfo builds the summary view of h.
func NewXMLInfo(h *Harmony) XMLInfo {
	rows, cols := int(h.Plate.Rows), int(h.Plate.Cols)
	info := XMLInfo{
		Name:     h.Plate.Name,
		Rows:     h.Plate.Rows,
		Cols:     h.Plate.Cols,
		Wells:    make([][]*WellSummary, rows),
		Channels: h.SortedChannels(),
	}
	for r := range info.Wells {
		info.Wells[r] = make([]*WellSummary, cols)
	}

	for key, well := range h.Wells {
		info.Fields = max(info.Fields, len(well.Fields))
		info.Planes = max(info.Planes, len(well.Planes))
		info.Timepoints = max(info.Timepoints, len(well.Timepoints))
		info.Wells[key.Row-1][key.Col-1] = well.Summary()
	}

	return info
}
