// Package progress carries download progress from the pipeline to whoever
// is watching: a terminal, a channel, or websocket clients.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mwc10/harmony-dl/internal/models"
)

// Kind tags an Event.
type Kind string

const (
	KindStarted  Kind = "started"
	KindPlane    Kind = "plane"
	KindFinished Kind = "finished"
)

// Plane identifies a completed plane.
type Plane struct {
	Row   uint16 `json:"r"`
	Col   uint16 `json:"c"`
	Field uint32 `json:"f"`
	Plane uint16 `json:"p"`
}

// Event is one progress notification. Data is set only for KindPlane.
type Event struct {
	Kind Kind   `json:"event"`
	Data *Plane `json:"data,omitempty"`
}

// Started is sent once before any work begins.
func Started() Event { return Event{Kind: KindStarted} }

// Finished is sent once after all work succeeded.
func Finished() Event { return Event{Kind: KindFinished} }

// PlaneDone reports one retrieved plane.
func PlaneDone(img *models.Image) Event {
	return Event{Kind: KindPlane, Data: &Plane{Row: img.Row, Col: img.Col, Field: img.Field, Plane: img.Plane}}
}

func (e Event) String() string {
	if e.Data == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s R%dC%dF%dP%d", e.Kind, e.Data.Row, e.Data.Col, e.Data.Field, e.Data.Plane)
}

// Sink receives events. Send may be called from many goroutines at once.
type Sink interface {
	Send(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Send(e Event) error { return f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) error { return nil })

type multi []Sink

// Multi fans an event out to every sink. All sinks are tried; their
// errors are joined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Send(e Event) error {
	var errList []error
	for _, s := range m {
		if err := s.Send(e); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// ChanSink forwards events to a channel. Send fails instead of blocking
// when the channel is full.
type ChanSink chan<- Event

func (c ChanSink) Send(e Event) error {
	select {
	case c <- e:
		return nil
	default:
		return fmt.Errorf("progress channel full, dropped %s", e)
	}
}

// Terminal prints a single updating progress line.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	total int
	done  int
}

// NewTerminal returns a sink that prints to w, expecting total planes.
func NewTerminal(w io.Writer, total int) *Terminal {
	return &Terminal{w: w, total: total}
}

func (t *Terminal) Send(e Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case KindStarted:
		_, err := fmt.Fprintf(t.w, "Downloading %d planes...\n", t.total)
		return err
	case KindPlane:
		t.done++
		progress := 100.0
		if t.total > 0 {
			progress = float64(t.done) / float64(t.total) * 100
		}
		_, err := fmt.Fprintf(t.w, "\rDownloading planes: %.1f%% complete (%d/%d)", progress, t.done, t.total)
		return err
	case KindFinished:
		_, err := fmt.Fprintln(t.w)
		return err
	}
	return nil
}

// MarshalEvent encodes e the way websocket clients receive it.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
