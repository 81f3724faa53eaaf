package projection

import (
	"fmt"
	"strings"

	"github.com/mwc10/harmony-dl/pkg/errs"
)

// Action selects what the pipeline produces from the selected images.
type Action int

const (
	// MaxProjection writes one maximum-intensity projection per focal stack.
	MaxProjection Action = iota
	// IndividualPlanes writes every selected plane unchanged.
	IndividualPlanes
)

func (a Action) String() string {
	switch a {
	case MaxProjection:
		return "Max Projection"
	case IndividualPlanes:
		return "Individual Planes"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction accepts the display names and the short forms "max" and
// "planes", ignoring case.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max projection", "max", "maxprojection":
		return MaxProjection, nil
	case "individual planes", "planes", "individual", "individualplanes":
		return IndividualPlanes, nil
	}
	return 0, fmt.Errorf("unknown action %q (want \"max\" or \"planes\")", s)
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	v, err := ParseAction(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Format is the container written for each output.
type Format int

const (
	TIFF Format = iota
	OMEZarr
)

func (f Format) String() string {
	switch f {
	case TIFF:
		return "TIFF"
	case OMEZarr:
		return "OME-Zarr"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat accepts "TIFF" and "OME-Zarr", ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tiff", "tif":
		return TIFF, nil
	case "ome-zarr", "omezarr", "zarr":
		return OMEZarr, nil
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	v, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Output describes where and how results are written.
type Output struct {
	Dir    string `json:"dir" yaml:"dir"`
	Action Action `json:"action" yaml:"action"`
	Format Format `json:"format" yaml:"format"`
}

// Validate reports whether o can be written. Errors wrap errs.ErrState.
func (o Output) Validate() error {
	if o.Dir == "" {
		return errs.Statef("output directory is not set")
	}
	switch o.Action {
	case MaxProjection, IndividualPlanes:
	default:
		return errs.Statef("unknown action %s", o.Action)
	}
	if o.Format != TIFF {
		return errs.Statef("output format %s is not supported", o.Format)
	}
	return nil
}
