package main

import (
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/meigma/blockcache/cache"
)

var errReadOnly = errors.New("remote block source is read-only")

// httpBlockSource is a read-only cache.BlockCache that fetches blocks by key
// from an HTTP server. It stands in for a slow peer behind the local cache.
type httpBlockSource struct {
	client *nethttp.Client
	base   string
}

var _ cache.BlockCache = (*httpBlockSource)(nil)

// newHTTPSource serves blocks from an in-process server unless cfg.dataURL
// points at an existing one. Blocks are served at <base>/<hash>.
func newHTTPSource(cfg config, blocks map[string][]byte) (*httpBlockSource, func()) {
	base := cfg.dataURL
	var cleanup func()
	if base == "" || base == "local" {
		mux := nethttp.NewServeMux()
		mux.HandleFunc("GET /{hash}", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			data, ok := blocks[r.PathValue("hash")]
			if !ok {
				nethttp.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			_, _ = w.Write(data) //nolint:errcheck // client disconnects are not interesting here
		})
		server := httptest.NewServer(mux)
		base = server.URL
		cleanup = server.Close
	}
	return &httpBlockSource{
		client: newHTTPClient(cfg),
		base:   strings.TrimSuffix(base, "/"),
	}, cleanup
}

func (s *httpBlockSource) PushBlock([]byte) (string, error) { return "", errReadOnly }

func (s *httpBlockSource) PushData(string, []byte) error { return errReadOnly }

func (s *httpBlockSource) Clear() error { return nil }

func (s *httpBlockSource) PullBlock(hash string) ([]byte, error) {
	data, err := s.PullData(hash)
	if err != nil {
		return nil, err
	}
	if !cache.Verify(hash, data) {
		return nil, cache.ErrHashMismatch
	}
	return data, nil
}

func (s *httpBlockSource) PullData(hash string) ([]byte, error) {
	if err := cache.ValidKey(hash); err != nil {
		return nil, err
	}
	resp, err := s.client.Get(s.base + "/" + hash)
	if err != nil {
		return nil, fmt.Errorf("fetch block %s: %w", hash, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case nethttp.StatusOK:
	case nethttp.StatusNotFound:
		return nil, cache.ErrNotFound
	default:
		return nil, fmt.Errorf("fetch block %s: unexpected status %s", hash, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read block %s: %w", hash, err)
	}
	return data, nil
}

func newHTTPClient(cfg config) *nethttp.Client {
	transport := nethttp.DefaultTransport
	if base, ok := transport.(*nethttp.Transport); ok {
		transport = base.Clone()
	}
	if cfg.dataHTTPLatency > 0 || cfg.dataHTTPBPS > 0 {
		transport = &httpThrottleRoundTripper{
			base:           transport,
			latency:        cfg.dataHTTPLatency,
			bytesPerSecond: cfg.dataHTTPBPS,
		}
	}
	return &nethttp.Client{Transport: transport}
}

type httpThrottleRoundTripper struct {
	base           nethttp.RoundTripper
	latency        time.Duration
	bytesPerSecond int64
}

func (rt *httpThrottleRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if rt.latency > 0 {
		time.Sleep(rt.latency)
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.bytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			rc:             resp.Body,
			bytesPerSecond: rt.bytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

type throttleReadCloser struct {
	rc             io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	readBytes      int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if n > 0 {
		tr.readBytes += int64(n)
		expected := time.Duration(float64(tr.readBytes) / float64(tr.bytesPerSecond) * float64(time.Second))
		if elapsed := time.Since(tr.start); expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

func (tr *throttleReadCloser) Close() error {
	return tr.rc.Close()
}

// parseBytesPerSecond accepts sizes such as "10MB", "512KiB/s" or "1GBps".
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.TrimSpace(value)
	for _, suffix := range []string{"ps", "/s"} {
		text = strings.TrimSuffix(text, suffix)
	}
	n, err := humanize.ParseBytes(text)
	if err != nil || n == 0 || n > uint64(1<<62) {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return int64(n), nil //nolint:gosec // bounded above
}
