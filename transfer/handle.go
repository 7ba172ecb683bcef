package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/noteflow-ai/modelstore/types"
)

// Handle controls one in-flight transfer.
type Handle struct {
	id   string
	url  string
	dest string
	part string

	cancel context.CancelFunc
	done   chan struct{}

	written  atomic.Int64
	expected atomic.Int64

	pausing   atomic.Bool
	cancelled atomic.Bool

	mu        sync.Mutex
	outcome   error
	finalPath string
}

// ID returns the transfer identifier.
func (h *Handle) ID() string { return h.id }

// Written returns the bytes written so far, including any resumed prefix.
func (h *Handle) Written() int64 { return h.written.Load() }

// Done is closed when the transfer goroutine has fully stopped, including
// all writes to disk.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the transfer stops and returns the final path on
// success. A paused transfer returns ErrPaused, a cancelled one
// ErrCancelled; other failures are classified *types.Error values.
func (h *Handle) Wait() (string, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalPath, h.outcome
}

// Pause stops the transfer, preserving the partial file, and returns a
// token that can resume it later. Pausing a transfer that already finished
// returns types.ErrTransferClosed.
func (h *Handle) Pause() (*ResumeToken, error) {
	h.pausing.Store(true)
	h.cancel()
	<-h.done

	h.mu.Lock()
	defer h.mu.Unlock()
	if !errors.Is(h.outcome, ErrPaused) {
		return nil, types.ErrTransferClosed
	}
	return &ResumeToken{
		ID:     h.id,
		URL:    h.url,
		Dest:   h.dest,
		Offset: h.written.Load(),
	}, nil
}

// Cancel aborts the transfer and removes the partial file. It is
// idempotent; callers may treat the destination as free once Cancel
// returns. If the transfer already completed, Cancel returns
// types.ErrTransferClosed and leaves the installed file alone.
func (h *Handle) Cancel() error {
	h.cancelled.Store(true)
	h.cancel()
	<-h.done

	h.mu.Lock()
	completed := h.outcome == nil
	h.mu.Unlock()
	if completed {
		return types.ErrTransferClosed
	}

	if err := os.Remove(h.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}

func (h *Handle) finish(path string, outcome error) {
	h.mu.Lock()
	h.finalPath = path
	h.outcome = outcome
	h.mu.Unlock()
	close(h.done)
}

// run performs the HTTP transfer. offset > 0 requests a ranged
// continuation; a server answering 200 instead of 206 restarts the file
// from zero.
func (d *Downloader) run(ctx context.Context, h *Handle, offset int64, onProgress Progress) {
	outcome := d.fetch(ctx, h, offset, onProgress)

	switch {
	case outcome == nil:
		d.logger.Info("transfer complete",
			zap.String("transfer_id", h.id),
			zap.Int64("bytes", h.written.Load()),
		)
		h.finish(h.dest, nil)
	case errors.Is(outcome, ErrPaused):
		d.logger.Info("transfer paused",
			zap.String("transfer_id", h.id),
			zap.Int64("bytes", h.written.Load()),
		)
		h.finish("", ErrPaused)
	case errors.Is(outcome, ErrCancelled):
		d.logger.Info("transfer cancelled", zap.String("transfer_id", h.id))
		h.finish("", ErrCancelled)
	default:
		d.logger.Warn("transfer failed",
			zap.String("transfer_id", h.id),
			zap.Error(outcome),
		)
		h.finish("", outcome)
	}
}

func (d *Downloader) fetch(ctx context.Context, h *Handle, offset int64, onProgress Progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return types.NewError(types.ErrTransferFailed, "invalid artifact url").WithCause(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return h.interrupted(err, offset)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Continuing from offset.
	case http.StatusOK:
		// Server ignored the range request (or none was sent): the whole
		// body follows, so any partial prefix is discarded.
		offset = 0
		h.written.Store(0)
	default:
		return types.NewError(types.ErrTransferFailed,
			fmt.Sprintf("server returned %s", resp.Status)).
			WithRetryable(true).
			WithResumable(offset > 0)
	}

	if resp.ContentLength >= 0 {
		h.expected.Store(offset + resp.ContentLength)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(h.part, flags, 0o644)
	if err != nil {
		return classifyWriteError(err)
	}

	limiter := rate.NewLimiter(rate.Every(d.progressInterval), 1)
	notify := func() {
		if onProgress != nil {
			onProgress(h.written.Load(), h.expected.Load())
		}
	}

	buf := make([]byte, 128*1024)
	for {
		if err := ctx.Err(); err != nil {
			file.Close()
			return h.interrupted(err, h.written.Load())
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				file.Close()
				return classifyWriteError(writeErr)
			}
			h.written.Add(int64(n))
			if limiter.Allow() {
				notify()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			file.Close()
			return h.interrupted(readErr, h.written.Load())
		}
	}

	if err := file.Close(); err != nil {
		return classifyWriteError(err)
	}
	if err := os.Rename(h.part, h.dest); err != nil {
		return classifyWriteError(err)
	}
	notify()
	return nil
}

// interrupted maps a read-side or context error to the transfer outcome,
// honoring a pending pause or cancel request.
func (h *Handle) interrupted(err error, written int64) error {
	if h.pausing.Load() {
		return ErrPaused
	}
	if h.cancelled.Load() {
		return ErrCancelled
	}
	return types.NewError(types.ErrTransferFailed, "download interrupted").
		WithCause(err).
		WithRetryable(true).
		WithResumable(written > 0)
}

// classifyWriteError distinguishes a full disk from other I/O failures.
// Neither is retryable without operator action.
func classifyWriteError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return types.NewError(types.ErrStorageFull, "device out of space").WithCause(err)
	}
	return types.NewError(types.ErrWriteFailed, "writing artifact to disk failed").WithCause(err)
}

// partSize returns the current size of a partial file, or 0 if it is
// missing.
func partSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
