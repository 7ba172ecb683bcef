// Package transfer implements the resumable HTTP transfer primitive: start,
// pause to a resume token, resume, and cancel of a single file download.
// Partial data is written to a ".part" sibling of the destination and
// renamed into place on completion, so a destination path that exists is
// always a complete file.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/noteflow-ai/modelstore/types"
)

// PartSuffix is appended to the destination path while a transfer is in
// flight.
const PartSuffix = ".part"

// diskSlackBytes is headroom required beyond the expected artifact size
// before a transfer starts.
const diskSlackBytes = 64 * 1024 * 1024

var (
	// ErrPaused is the outcome of a transfer stopped by Pause. The partial
	// file is preserved and a resume token was issued.
	ErrPaused = errors.New("transfer paused")

	// ErrCancelled is the outcome of a transfer stopped by Cancel. The
	// partial file has been removed.
	ErrCancelled = errors.New("transfer cancelled")
)

// Progress receives byte counts at a bounded rate. expected is -1 when the
// server did not advertise a length.
type Progress func(written, expected int64)

// Config tunes the downloader.
type Config struct {
	// MaxConcurrent caps transfers running at once across all families.
	MaxConcurrent int64
	// ProgressInterval is the minimum spacing between progress callbacks.
	ProgressInterval time.Duration
	// HTTPTimeout bounds connection setup and response headers, not the
	// body copy (large artifacts stream for minutes).
	HTTPTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    3,
		ProgressInterval: 250 * time.Millisecond,
		HTTPTimeout:      30 * time.Second,
	}
}

// Downloader starts resumable transfers. One Downloader is shared by all
// families so the concurrency cap is global.
type Downloader struct {
	client           *http.Client
	sem              *semaphore.Weighted
	progressInterval time.Duration
	logger           *zap.Logger
}

// NewDownloader creates a downloader. A nil logger is replaced with a nop
// logger.
func NewDownloader(cfg Config, logger *zap.Logger) *Downloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultConfig().ProgressInterval
	}
	transport := &http.Transport{
		ResponseHeaderTimeout: cfg.HTTPTimeout,
	}
	return &Downloader{
		client:           &http.Client{Transport: transport},
		sem:              semaphore.NewWeighted(cfg.MaxConcurrent),
		progressInterval: cfg.ProgressInterval,
		logger:           logger.With(zap.String("component", "downloader")),
	}
}

// Start begins downloading url into dest. expectedBytes gates the free-disk
// preflight; pass 0 to skip it. Start never waits on the concurrency cap:
// the returned handle is queued and begins transferring once a slot frees,
// reporting zero progress until then. Pause and Cancel work on a queued
// handle.
func (d *Downloader) Start(ctx context.Context, url, dest string, expectedBytes int64, onProgress Progress) (*Handle, error) {
	return d.launch(ctx, url, dest, 0, expectedBytes, onProgress)
}

// ResumeToken lets a paused transfer continue in this or a later process.
// It is opaque to callers; the offset is re-derived from the partial file
// at resume time, since the file may have been removed out-of-band.
type ResumeToken struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Dest   string `json:"dest"`
	Offset int64  `json:"offset"`
}

// Resume continues a paused transfer from its token. If the remote server
// does not honor ranged requests the transfer restarts from byte zero;
// callers see that only as progress resetting, never as an error.
func (d *Downloader) Resume(ctx context.Context, token *ResumeToken, onProgress Progress) (*Handle, error) {
	if token == nil {
		return nil, fmt.Errorf("resume: nil token")
	}
	offset := partSize(token.Dest + PartSuffix)
	return d.launch(ctx, token.URL, token.Dest, offset, 0, onProgress)
}

func (d *Downloader) launch(ctx context.Context, url, dest string, offset, expectedBytes int64, onProgress Progress) (*Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		id:     uuid.NewString(),
		url:    url,
		dest:   dest,
		part:   dest + PartSuffix,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.written.Store(offset)
	h.expected.Store(-1)

	d.logger.Info("transfer queued",
		zap.String("transfer_id", h.id),
		zap.String("url", url),
		zap.Int64("offset", offset),
	)

	// Admission happens on the transfer goroutine so callers never block
	// on the concurrency cap. A pause or cancel while queued is honored
	// through runCtx before any byte moves.
	go func() {
		if err := d.sem.Acquire(runCtx, 1); err != nil {
			h.finish("", h.interrupted(err, offset))
			return
		}
		defer d.sem.Release(1)

		if expectedBytes > 0 {
			free, err := freeDiskBytes(dest)
			if err == nil && free < uint64(expectedBytes)+diskSlackBytes {
				h.finish("", types.NewError(types.ErrStorageFull,
					fmt.Sprintf("insufficient disk space: %d bytes free, %d required", free, expectedBytes)).
					WithRetryable(false))
				return
			}
		}

		d.run(runCtx, h, offset, onProgress)
	}()
	return h, nil
}
