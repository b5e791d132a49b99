// Package processing turns a job's input into palettes and preview images.
package processing

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/palette"
	"github.com/leejennwah/palette-engine/internal/storage"
)

// BatchPolicy decides what happens when some items of a batch fail.
type BatchPolicy string

const (
	// BestEffort records failed items as item errors and fails the job only
	// when no item succeeds.
	BestEffort BatchPolicy = "best_effort"
	// AllOrNothing fails the job on the first bad item.
	AllOrNothing BatchPolicy = "all_or_nothing"
)

// ProgressFunc reports completion in percent. A non-nil error means the
// job can no longer make progress and processing should stop.
type ProgressFunc func(ctx context.Context, percent int) error

// Blobs is the subset of the blob store the processor needs.
type Blobs interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
	URL(key string) string
}

// Processor runs palette extraction over every item of a job.
type Processor struct {
	blobs     Blobs
	extractor *palette.Extractor
	fetcher   *Fetcher
	policy    BatchPolicy
	logger    *zap.Logger
}

// NewProcessor creates a processor.
func NewProcessor(blobs Blobs, extractor *palette.Extractor, fetcher *Fetcher, policy BatchPolicy, logger *zap.Logger) *Processor {
	if policy == "" {
		policy = BestEffort
	}
	return &Processor{
		blobs:     blobs,
		extractor: extractor,
		fetcher:   fetcher,
		policy:    policy,
		logger:    logger,
	}
}

type item struct {
	name string
	load func(ctx context.Context) ([]byte, error)
}

// Process extracts a palette for each item. Errors returned carry an
// apperr code describing why the whole job failed.
func (p *Processor) Process(ctx context.Context, j *job.Job, progress ProgressFunc) ([]job.Result, []job.ItemError, error) {
	items, err := p.items(ctx, j)
	if err != nil {
		return nil, nil, err
	}

	var (
		results  []job.Result
		itemErrs []job.ItemError
	)
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		res, err := p.processItem(ctx, j.ID, i, it)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, nil, err
			}
			ae := apperr.From(err)
			if p.policy == AllOrNothing {
				return nil, nil, &apperr.Error{
					Code:    ae.Code,
					Message: fmt.Sprintf("%s: %s", it.name, ae.Message),
					Err:     err,
				}
			}
			p.logger.Warn("item failed",
				zap.String("job_id", j.ID.String()),
				zap.String("item", it.name),
				zap.String("error_code", string(ae.Code)),
				zap.Error(err),
			)
			itemErrs = append(itemErrs, job.ItemError{Filename: it.name, Code: string(ae.Code), Message: ae.Message})
		} else {
			results = append(results, *res)
		}

		if progress != nil {
			if err := progress(ctx, (i+1)*100/len(items)); err != nil {
				return nil, nil, err
			}
		}
	}

	if len(results) == 0 {
		return nil, itemErrs, apperr.Newf(apperr.ProcessingError, "None of the %d images could be processed.", len(items))
	}
	return results, itemErrs, nil
}

func (p *Processor) processItem(ctx context.Context, id uuid.UUID, n int, it item) (*job.Result, error) {
	data, err := it.load(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := SniffImage(data); err != nil {
		return nil, err
	}
	if err := checkDimensions(it.name, data); err != nil {
		return nil, err
	}

	out, err := p.extractor.Run(data)
	if err != nil {
		return nil, apperr.New(apperr.ProcessingError, err)
	}

	key, err := p.blobs.Write(ctx, storage.PreviewKey(id, n), out.Preview)
	if err != nil {
		return nil, fmt.Errorf("store preview: %w", err)
	}

	colors := make([]job.Color, len(out.Colors))
	for i, c := range out.Colors {
		colors[i] = job.Color{c.R, c.G, c.B}
	}
	return &job.Result{Filename: it.name, Palette: colors, PreviewRef: p.blobs.URL(key)}, nil
}

func (p *Processor) items(ctx context.Context, j *job.Job) ([]item, error) {
	switch j.Input.Kind {
	case job.InputZip:
		return p.archiveItems(ctx, j.Input.ArchiveRef)
	case job.InputURLs:
		if err := ValidateURLs(j.Input.URLs); err != nil {
			return nil, err
		}
		items := make([]item, len(j.Input.URLs))
		for i, u := range j.Input.URLs {
			u := u
			items[i] = item{name: u, load: func(ctx context.Context) ([]byte, error) {
				return p.fetcher.Fetch(ctx, u)
			}}
		}
		return items, nil
	case job.InputImages:
		if len(j.Input.Images) == 0 {
			return nil, apperr.New(apperr.NoInput, nil)
		}
		items := make([]item, len(j.Input.Images))
		for i, img := range j.Input.Images {
			ref := img.Ref
			items[i] = item{name: img.Filename, load: func(ctx context.Context) ([]byte, error) {
				return p.blobs.Read(ctx, ref)
			}}
		}
		return items, nil
	}
	return nil, apperr.New(apperr.NoInput, fmt.Errorf("unknown input kind %q", j.Input.Kind))
}

func (p *Processor) archiveItems(ctx context.Context, ref string) ([]item, error) {
	data, err := p.blobs.Read(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	entries, err := archiveImages(data)
	if err != nil {
		return nil, err
	}

	items := make([]item, len(entries))
	for i, f := range entries {
		f := f
		items[i] = item{name: f.Name, load: func(context.Context) ([]byte, error) {
			return readEntry(f)
		}}
	}
	return items, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > MaxURLBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "Image %q exceeds %dMB.", f.Name, MaxURLBytes>>20)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, apperr.New(apperr.ProcessingError, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxURLBytes+1))
	if err != nil {
		return nil, apperr.New(apperr.ProcessingError, err)
	}
	if len(data) > MaxURLBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "Image %q exceeds %dMB.", f.Name, MaxURLBytes>>20)
	}
	return data, nil
}
