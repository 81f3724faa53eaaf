// Package projection downloads the selected planes of a Harmony export and
// writes them out, either as per-stack maximum-intensity projections or as
// the individual planes.
//
// The pipeline runs in the following steps:
//  1. Check the output and resolve file names for every selected image
//  2. Emit the started event
//  3. Fan the work units out to a bounded pool of workers
//  4. Retrieve, decode and fold each plane inside the worker owning it
//  5. Write each result through a temporary file renamed into place
//  6. Emit the finished event once every unit succeeded
//
// The first failing unit cancels the others and its error is returned; files
// that were already written stay in place.
package projection

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
	"github.com/mwc10/harmony-dl/pkg/fetch"
	"github.com/mwc10/harmony-dl/pkg/filter"
	"github.com/mwc10/harmony-dl/pkg/manifest"
	"github.com/mwc10/harmony-dl/pkg/metrics"
	"github.com/mwc10/harmony-dl/pkg/progress"
	"github.com/mwc10/harmony-dl/pkg/raster"
)

// Recorder stores the history of runs. *manifest.Store implements it.
type Recorder interface {
	BeginRun(run manifest.RunRecord) (string, error)
	RecordFile(id string, f manifest.FileRecord) error
	FinishRun(id string, runErr error) error
}

// Params holds the pipeline configuration.
type Params struct {
	// Output is the destination, action and format
	Output Output

	// NumWorkers bounds the number of units processed at once; zero means
	// one per CPU
	NumWorkers int

	// Fetcher retrieves plane bytes
	Fetcher fetch.Fetcher

	// Sink receives progress events. Delivery is best effort.
	Sink progress.Sink

	// Source names the input document in the run history
	Source string

	Logger   *slog.Logger
	Metrics  *metrics.Pipeline
	Manifest Recorder
}

// Pipeline runs downloads for one set of Params. A Pipeline may be reused
// for several runs but not concurrently.
type Pipeline struct {
	params Params
	logger *slog.Logger
	sink   progress.Sink

	names NameFormat
	runID string
}

// New creates a pipeline with the provided parameters.
func New(params Params) *Pipeline {
	if params.NumWorkers <= 0 {
		params.NumWorkers = runtime.NumCPU()
	}
	p := &Pipeline{params: params, logger: params.Logger, sink: params.Sink}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.sink == nil {
		p.sink = progress.Discard
	}
	return p
}

// Run processes selected, which must point into h.Images.
func (p *Pipeline) Run(ctx context.Context, h *models.Harmony, selected []*models.Image) (err error) {
	out := p.params.Output
	if err := out.Validate(); err != nil {
		return err
	}
	if p.params.Fetcher == nil {
		return errs.Statef("no fetcher configured")
	}

	p.names = NewNameFormat(h)
	if err := p.names.Check(selected); err != nil {
		return err
	}
	if err := os.MkdirAll(out.Dir, 0755); err != nil {
		return fmt.Errorf("%w: creating output directory %s: %w", errs.ErrIO, out.Dir, err)
	}

	p.beginRun(h, len(selected))
	p.params.Metrics.RunStarted()
	defer func() {
		p.params.Metrics.RunFinished()
		p.finishRun(err)
	}()

	start := time.Now()
	p.logger.Info("starting download",
		"plate", h.Plate.Name, "action", out.Action.String(), "images", len(selected),
		"workers", p.params.NumWorkers, "output", out.Dir)
	p.send(progress.Started())

	switch out.Action {
	case MaxProjection:
		err = p.maxProject(ctx, selected)
	case IndividualPlanes:
		err = p.copyPlanes(ctx, selected)
	}
	if err != nil {
		p.logger.Error("download failed", "error", err, "kind", errs.Kind(err))
		return err
	}

	p.logger.Info("download finished", "images", len(selected), "elapsed", time.Since(start))
	p.send(progress.Finished())
	return nil
}

func (p *Pipeline) maxProject(ctx context.Context, selected []*models.Image) error {
	stacks := filter.GroupIntoStacks(selected)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.params.NumWorkers)
	for _, key := range filter.SortedKeys(stacks) {
		planes := stacks[key]
		g.Go(func() error {
			if err := p.projectStack(gctx, key, planes); err != nil {
				p.params.Metrics.ObserveFailure(errs.Kind(err))
				return fmt.Errorf("processing %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) projectStack(ctx context.Context, key filter.StackKey, planes []*models.Image) error {
	var fold raster.MaxFold
	for _, img := range planes {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := p.params.Fetcher.Fetch(ctx, img.URL)
		if err != nil {
			return err
		}
		grid, err := raster.Decode(data)
		if err != nil {
			return fmt.Errorf("image <%s>: %w", img.URL, err)
		}
		if err := fold.Add(img.URL, grid); err != nil {
			return err
		}
		p.send(progress.PlaneDone(img))
	}

	projection, ok := fold.Result()
	if !ok {
		return fmt.Errorf("missing projection for %s", key)
	}

	name := p.names.Projection(planes[0])
	size, err := p.writeFile(name, func(w io.Writer) error {
		return raster.Encode(w, projection)
	})
	if err != nil {
		return err
	}

	stats := projection.Stats()
	p.logger.Debug("wrote projection",
		"file", name, "planes", fold.Planes(),
		"min", stats.Min, "max", stats.Max, "mean", stats.Mean, "std_dev", stats.StdDev)
	p.recordFile(manifest.FileRecord{
		Name:   name,
		Stack:  key.String(),
		Planes: fold.Planes(),
		Bytes:  size,
		Stats:  &stats,
	})
	return nil
}

func (p *Pipeline) copyPlanes(ctx context.Context, selected []*models.Image) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.params.NumWorkers)
	for _, img := range selected {
		g.Go(func() error {
			if err := p.copyPlane(gctx, img); err != nil {
				p.params.Metrics.ObserveFailure(errs.Kind(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pipeline) copyPlane(ctx context.Context, img *models.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := p.params.Fetcher.Fetch(ctx, img.URL)
	if err != nil {
		return err
	}

	name := p.names.Plane(img)
	size, err := p.writeFile(name, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	p.send(progress.PlaneDone(img))
	p.recordFile(manifest.FileRecord{
		Name:   name,
		Stack:  filter.KeyOf(img).String(),
		Planes: 1,
		Bytes:  size,
	})
	return nil
}

// writeFile writes name in the output directory through a temporary file
// so a failed write never leaves a partial file under the final name.
func (p *Pipeline) writeFile(name string, write func(io.Writer) error) (int64, error) {
	dir := p.params.Output.Dir
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("%w: creating %s: %w", errs.ErrIO, name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	cw := &countingWriter{w: bufio.NewWriter(tmp)}
	if err := write(cw); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("%w: writing %s: %w", errs.ErrIO, name, err)
	}
	if err := cw.w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("%w: writing %s: %w", errs.ErrIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("%w: closing %s: %w", errs.ErrIO, name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("%w: saving %s: %w", errs.ErrIO, name, err)
	}

	p.params.Metrics.ObserveFile(p.params.Output.Action.String())
	return cw.n, nil
}

type countingWriter struct {
	w *bufio.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

func (p *Pipeline) send(e progress.Event) {
	if err := p.sink.Send(e); err != nil {
		p.logger.Warn("progress event not delivered", "event", e.String(), "error", err)
		p.params.Metrics.ObserveProgressError()
	}
}

func (p *Pipeline) beginRun(h *models.Harmony, images int) {
	p.runID = ""
	if p.params.Manifest == nil {
		return
	}
	id, err := p.params.Manifest.BeginRun(manifest.RunRecord{
		XMLPath:   p.params.Source,
		Plate:     h.Plate.Name,
		Action:    p.params.Output.Action.String(),
		OutputDir: p.params.Output.Dir,
		Units:     images,
	})
	if err != nil {
		p.logger.Warn("could not record run", "error", err)
		return
	}
	p.runID = id
}

func (p *Pipeline) recordFile(f manifest.FileRecord) {
	if p.runID == "" {
		return
	}
	if err := p.params.Manifest.RecordFile(p.runID, f); err != nil {
		p.logger.Warn("could not record file", "file", f.Name, "error", err)
	}
}

func (p *Pipeline) finishRun(runErr error) {
	if p.runID == "" {
		return
	}
	if err := p.params.Manifest.FinishRun(p.runID, runErr); err != nil {
		p.logger.Warn("could not record run result", "run", p.runID, "error", err)
	}
}

// RunID returns the manifest ID of the last run, empty when no manifest is
// configured.
func (p *Pipeline) RunID() string {
	return p.runID
}
