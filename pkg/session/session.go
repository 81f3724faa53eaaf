// Package session holds the state a user interface builds up before a
// download: the parsed document, the image filter and the output settings.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
	"github.com/mwc10/harmony-dl/pkg/fetch"
	"github.com/mwc10/harmony-dl/pkg/filter"
	"github.com/mwc10/harmony-dl/pkg/harmonyxml"
	"github.com/mwc10/harmony-dl/pkg/metrics"
	"github.com/mwc10/harmony-dl/pkg/progress"
	"github.com/mwc10/harmony-dl/pkg/projection"
)

// Options configures a Session.
type Options struct {
	Fetch      fetch.Config
	NumWorkers int
	Logger     *slog.Logger
	Metrics    *metrics.Pipeline

	// Manifest records runs when set
	Manifest projection.Recorder
}

// DownloadInfo is the download setup shown before a run.
type DownloadInfo struct {
	Name   string            `json:"name"`
	Rows   uint16            `json:"rows"`
	Cols   uint16            `json:"cols"`
	Output projection.Output `json:"output"`
	Filter filter.Lists      `json:"filter"`

	// Images is how many images the filter selects
	Images int `json:"images"`
}

// Session is safe for concurrent use. The lock is held only to read or
// replace state, never while parsing or downloading.
type Session struct {
	opts    Options
	logger  *slog.Logger
	fetcher *fetch.Client

	mu      sync.Mutex
	xmlPath string
	harmony *models.Harmony
	filter  *filter.ImageFilter
	output  *projection.Output
	running bool
}

// New creates an empty session.
func New(opts Options) *Session {
	s := &Session{opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	cfg := opts.Fetch
	if cfg.Logger == nil {
		cfg.Logger = s.logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = opts.Metrics
	}
	s.fetcher = fetch.New(cfg)
	return s
}

// ParseXML parses the export at path and makes it the current document.
// A previously set filter is cleared since it referred to the old
// document. On failure the current state is left untouched.
func (s *Session) ParseXML(path string) (models.XMLInfo, error) {
	h, err := harmonyxml.ParseFile(path)
	if err != nil {
		return models.XMLInfo{}, err
	}
	info := models.NewXMLInfo(h)

	s.mu.Lock()
	s.xmlPath = path
	s.harmony = h
	s.filter = nil
	s.mu.Unlock()

	s.logger.Info("parsed export",
		"path", path, "plate", h.Plate.Name, "images", len(h.Images),
		"channels", len(h.Channels), "wells", len(h.Wells))
	return info, nil
}

// SetFilter sets the images the next download selects.
func (s *Session) SetFilter(f filter.ImageFilter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.harmony == nil {
		return errs.Statef("no XML file has been parsed")
	}
	cp := f.Clone()
	s.filter = &cp
	return nil
}

// SetFilterSpec resolves spec against the current document and sets the
// result as filter.
func (s *Session) SetFilterSpec(spec filter.Spec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.harmony == nil {
		return errs.Statef("no XML file has been parsed")
	}
	f, err := spec.Build(s.harmony)
	if err != nil {
		return fmt.Errorf("building image filter: %w", err)
	}
	s.filter = &f
	return nil
}

// SetOutput sets where and how the next download writes.
func (s *Session) SetOutput(o projection.Output) error {
	if err := o.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.output = &o
	s.mu.Unlock()
	return nil
}

// Info summarizes the current document.
func (s *Session) Info() (models.XMLInfo, error) {
	s.mu.Lock()
	h := s.harmony
	s.mu.Unlock()

	if h == nil {
		return models.XMLInfo{}, errs.Statef("no XML file has been parsed")
	}
	return models.NewXMLInfo(h), nil
}

// DownloadInfo describes the pending download.
func (s *Session) DownloadInfo() (DownloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return DownloadInfo{}, err
	}
	return DownloadInfo{
		Name:   s.harmony.Plate.Name,
		Rows:   s.harmony.Plate.Rows,
		Cols:   s.harmony.Plate.Cols,
		Output: *s.output,
		Filter: s.filter.Lists(),
		Images: len(filter.Select(s.harmony, *s.filter)),
	}, nil
}

func (s *Session) readyLocked() error {
	switch {
	case s.harmony == nil:
		return errs.Statef("no XML file has been parsed")
	case s.filter == nil:
		return errs.Statef("no image filter has been set")
	case s.output == nil:
		return errs.Statef("no output has been set")
	}
	return nil
}

// StartDownload runs the pipeline over the images the filter selects and
// blocks until it finishes. Only one download runs at a time.
func (s *Session) StartDownload(ctx context.Context, sink progress.Sink) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.running {
		s.mu.Unlock()
		return errs.Statef("a download is already running")
	}
	h, f, out, xmlPath := s.harmony, s.filter.Clone(), *s.output, s.xmlPath
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	selected := filter.Select(h, f)
	s.logger.Info("selected images", "count", len(selected), "of", len(h.Images))

	p := projection.New(projection.Params{
		Output:     out,
		NumWorkers: s.opts.NumWorkers,
		Fetcher:    s.fetcher.WithBaseDir(filepath.Dir(xmlPath)),
		Sink:       sink,
		Source:     xmlPath,
		Logger:     s.logger,
		Metrics:    s.opts.Metrics,
		Manifest:   s.opts.Manifest,
	})
	return p.Run(ctx, h, selected)
}
