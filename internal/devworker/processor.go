// Package devworker is a stand-in for the remote generation worker. It picks
// up freshly submitted records, walks them through the generating stages and
// writes a completed record with an artifact URL. It never overwrites a record
// that reached a terminal status, so a canceled job stays canceled.
package devworker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/telemetry"
)

// errSuperseded stops a job whose record turned terminal under the worker.
var errSuperseded = errors.New("record already terminal")

// Processor drives the worker loop.
type Processor struct {
	cfg      config.DevWorkerConfig
	store    jobstore.Store
	kinds    []models.Kind
	renderer *Renderer
	uploader Uploader
	logger   zerolog.Logger

	// sleep waits between stages; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	claimed map[string]struct{}
}

// NewProcessor builds a worker over the given partitions.
func NewProcessor(cfg config.DevWorkerConfig, st jobstore.Store, kinds []models.Kind, uploader Uploader, logger zerolog.Logger) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.UploadRetries <= 0 {
		cfg.UploadRetries = 1
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		kinds:    kinds,
		renderer: NewRenderer(cfg.PixelSize),
		uploader: uploader,
		logger:   logger.With().Str("component", "devworker").Logger(),
		sleep:    sleepCtx,
		claimed:  make(map[string]struct{}),
	}
}

// Run polls every partition until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type pendingJob struct {
	kind models.Kind
	rec  models.JobRecord
}

// RunOnce processes every record currently waiting in Processing and returns how many it handled.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	var pending []pendingJob
	for _, kind := range p.kinds {
		snap, err := p.store.Get(ctx, kind.Path())
		if err != nil {
			return 0, fmt.Errorf("poll %s: %w", kind, err)
		}
		for _, rec := range snap.Records {
			if rec.Status == models.StatusProcessing && p.claim(rec.Key) {
				pending = append(pending, pendingJob{kind: kind, rec: rec})
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, job := range pending {
		g.Go(func() error {
			defer p.release(job.rec.Key)
			if err := p.Process(gctx, job.kind, job.rec); err != nil {
				p.logger.Error().Err(err).Str("job_id", job.rec.ID).Msg("job failed")
			}
			return nil
		})
	}
	return len(pending), g.Wait()
}

// Process walks one record to a terminal status.
func (p *Processor) Process(ctx context.Context, kind models.Kind, rec models.JobRecord) error {
	logger := p.logger.With().Str("kind", string(kind)).Str("job_id", rec.ID).Logger()

	img, err := p.generate(ctx, kind, rec)
	if errors.Is(err, errSuperseded) {
		logger.Info().Msg("job finished elsewhere, dropping")
		return nil
	}
	if err != nil {
		return p.fail(ctx, kind, rec, err)
	}

	body, err := p.renderer.Encode(img)
	if err != nil {
		return p.fail(ctx, kind, rec, err)
	}
	url, err := p.upload(ctx, fmt.Sprintf("%s/%s.png", kind, rec.ID), body)
	if err != nil {
		return p.fail(ctx, kind, rec, err)
	}

	status := models.StatusCompleted
	err = p.advance(ctx, kind, rec.Key, models.Patch{Status: &status, Output: &models.JobOutput{ImageURL: url}})
	if errors.Is(err, errSuperseded) {
		logger.Info().Msg("job canceled before completion")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info().Str("image_url", url).Msg("job completed")
	return nil
}

func (p *Processor) generate(ctx context.Context, kind models.Kind, rec models.JobRecord) (image.Image, error) {
	switch kind {
	case models.KindImageToImage:
		if err := p.stage(ctx, kind, rec.Key, models.StatusProcessingPixel); err != nil {
			return nil, err
		}
		img, err := p.renderer.Pixelate(rec.Input)
		if err != nil {
			return nil, err
		}
		if err := p.stage(ctx, kind, rec.Key, models.StatusProcessingStyle); err != nil {
			return nil, err
		}
		return p.renderer.Stylize(img, rec.Input), nil
	case models.KindTextToImage:
		if err := p.stage(ctx, kind, rec.Key, models.StatusGenerating); err != nil {
			return nil, err
		}
		return p.renderer.Placeholder(rec.Input), nil
	}
	return nil, fmt.Errorf("unsupported kind %q", kind)
}

func (p *Processor) stage(ctx context.Context, kind models.Kind, key string, status models.Status) error {
	if err := p.advance(ctx, kind, key, models.Patch{Status: &status}); err != nil {
		return err
	}
	return p.sleep(ctx, p.cfg.StepDelay)
}

// advance re-reads the record and applies patch unless it is already terminal.
func (p *Processor) advance(ctx context.Context, kind models.Kind, key string, patch models.Patch) error {
	snap, err := p.store.Get(ctx, kind.Path())
	if err != nil {
		return err
	}
	found := false
	for _, r := range snap.Records {
		if r.Key != key {
			continue
		}
		found = true
		if r.Status.Terminal() {
			return errSuperseded
		}
	}
	if !found {
		return errSuperseded
	}
	if err := p.store.Update(ctx, kind.Path(), key, patch); err != nil {
		return err
	}
	if patch.Status != nil {
		telemetry.WorkerTransitions.WithLabelValues(string(*patch.Status)).Inc()
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, kind models.Kind, rec models.JobRecord, cause error) error {
	status := models.StatusError
	msg := cause.Error()
	err := p.advance(ctx, kind, rec.Key, models.Patch{Status: &status, Error: &msg})
	if err != nil && !errors.Is(err, errSuperseded) {
		return fmt.Errorf("record failure %q: %w", msg, err)
	}
	return cause
}

func (p *Processor) upload(ctx context.Context, key string, body []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.UploadRetries; attempt++ {
		url, err := p.uploader.Upload(ctx, key, body, "image/png")
		if err == nil {
			return url, nil
		}
		lastErr = err
		if attempt == p.cfg.UploadRetries {
			break
		}
		wait := backoffWithJitter(200*time.Millisecond, 5*time.Second, attempt)
		p.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("upload failed, retrying")
		if err := p.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("upload %s: %w", key, lastErr)
}

func (p *Processor) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.claimed[key]; ok {
		return false
	}
	p.claimed[key] = struct{}{}
	return true
}

func (p *Processor) release(key string) {
	p.mu.Lock()
	delete(p.claimed, key)
	p.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
