// Package testutil provides test helpers shared across packages, most
// importantly an HTTP server that serves a deterministic binary blob with
// optional Range support, throttling, and failure injection.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// ArtifactServer serves one synthetic artifact at every path.
type ArtifactServer struct {
	*httptest.Server

	content     []byte
	ranges      atomic.Bool
	chunkDelay  atomic.Int64 // nanoseconds between chunks
	failAfter   atomic.Int64 // bytes, 0 disables
	getRequests atomic.Int64
}

// ArtifactContent builds the deterministic blob of the given size. Tests
// compare downloaded files against it byte for byte.
func ArtifactContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

// NewArtifactServer starts a server for a blob of size bytes with Range
// support enabled. It is shut down via t.Cleanup.
func NewArtifactServer(t *testing.T, size int) *ArtifactServer {
	t.Helper()
	s := &ArtifactServer{content: ArtifactContent(size)}
	s.ranges.Store(true)
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Server.Close)
	return s
}

// Content returns the full blob.
func (s *ArtifactServer) Content() []byte { return s.content }

// GetRequests returns how many GET requests the server has received.
func (s *ArtifactServer) GetRequests() int64 { return s.getRequests.Load() }

// SetRangeSupport toggles honoring Range headers. Without it the server
// always answers 200 with the full body, like mirrors that strip range
// support.
func (s *ArtifactServer) SetRangeSupport(on bool) { s.ranges.Store(on) }

// SetChunkDelay throttles the response body so tests can pause or cancel
// mid-transfer deterministically.
func (s *ArtifactServer) SetChunkDelay(d time.Duration) { s.chunkDelay.Store(int64(d)) }

// SetFailAfter makes the server abort the response after sending n body
// bytes, simulating a dropped connection. 0 disables.
func (s *ArtifactServer) SetFailAfter(n int64) { s.failAfter.Store(n) }

func (s *ArtifactServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.content)))
		return
	}
	s.getRequests.Add(1)

	body := s.content
	status := http.StatusOK
	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && s.ranges.Load() {
		offset, ok := parseRangeStart(rangeHeader)
		if !ok || offset >= int64(len(s.content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		body = s.content[offset:]
		status = http.StatusPartialContent
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, len(s.content)-1, len(s.content)))
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	const chunk = 8 * 1024
	var sent int64
	for start := 0; start < len(body); start += chunk {
		end := start + chunk
		if end > len(body) {
			end = len(body)
		}
		n, err := w.Write(body[start:end])
		if err != nil {
			return
		}
		sent += int64(n)
		if flusher != nil {
			flusher.Flush()
		}
		// Returning early with Content-Length already sent leaves the
		// client with an unexpected EOF.
		if fail := s.failAfter.Load(); fail > 0 && sent >= fail {
			return
		}
		if d := s.chunkDelay.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}
	}
}

// parseRangeStart extracts N from a "bytes=N-" header.
func parseRangeStart(header string) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, false
	}
	start, ok := strings.CutSuffix(spec, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(start, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
