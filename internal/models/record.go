package models

import (
	"fmt"
	"strconv"

	"github.com/mwc10/harmony-dl/pkg/errs"
)

// Record collects the scalar leaf fields of one record-like XML element
// (a Plate, a channel Entry, an Image) keyed by tag name. It lives only
// between the element's open and close tags; on close it is converted into
// a typed value by one of the FromRecord constructors.
type Record map[string]string

// NewRecord returns an empty record sized for n fields.
func NewRecord(n int) Record {
	return make(Record, n)
}

// Set stores the text of a leaf field. A repeated field overwrites the
// earlier value.
func (r Record) Set(field, text string) {
	r[field] = text
}

// fieldReader converts fields of a Record and keeps the first error, so a
// constructor can read every field and check for failure once.
type fieldReader struct {
	rec  Record
	kind string
	err  error
}

func (r Record) reader(kind string) *fieldReader {
	return &fieldReader{rec: r, kind: kind}
}

func (f *fieldReader) lookup(key string) (string, bool) {
	if f.err != nil {
		return "", false
	}
	v, ok := f.rec[key]
	if !ok {
		f.err = errs.Structuref("parsing %s: missing field <%s>", f.kind, key)
		return "", false
	}
	return v, true
}

func (f *fieldReader) str(key string) string {
	v, _ := f.lookup(key)
	return v
}

func (f *fieldReader) uint(key string, bits int) uint64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		f.err = &errs.ConversionError{Record: f.kind, Field: key, Type: fmt.Sprintf("u%d", bits), Value: v, Err: err}
		return 0
	}
	return n
}

func (f *fieldReader) u8(key string) uint8   { return uint8(f.uint(key, 8)) }
func (f *fieldReader) u16(key string) uint16 { return uint16(f.uint(key, 16)) }
func (f *fieldReader) u32(key string) uint32 { return uint32(f.uint(key, 32)) }

func (f *fieldReader) f64(key string) float64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f.err = &errs.ConversionError{Record: f.kind, Field: key, Type: "f64", Value: v, Err: err}
		return 0
	}
	return n
}
