package fetcher

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/fetchgrid/fetchgrid/internal/fgerr"
)

// Request describes one GET the Fetcher should perform.
type Request struct {
	URL           string
	Range         *Range // nil means unranged
	Headers       map[string]string
	UserAgent     string
	Referer       string
	BasicAuthUser string
	BasicAuthPass string

	SpeedCapBytesPerSec int64 // 0 = unlimited
	LowSpeedFloor       int64 // bytes/sec; 0 disables the low-speed abort
	LowSpeedWindow      time.Duration

	// ProgressFunc is invoked after every chunk write with the cumulative bytes written
	// this call. Returning false requests cooperative cancellation, mirroring the spec's
	// "progress callback returns a non-zero value to terminate the transfer".
	ProgressFunc func(written int64) bool
}

// Range is an inclusive byte range for a Range: bytes=start-end request header.
type Range struct{ Start, End int64 }

// Result is what one Fetch call surfaces on success: final status code, effective URL
// (after redirects), and total bytes written to the sink.
type Result struct {
	StatusCode int
	EffectiveURL string
	BytesWritten int64
}

// Fetcher performs one HTTP request and streams the body to a sink, applying the speed
// cap and low-speed-abort window. It holds no per-call state and is safe to share across
// concurrent workers, each building its own Request.
type Fetcher struct {
	client *http.Client
}

// New wraps an already-built *http.Client (see NewClient) as a Fetcher.
func New(client *http.Client) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch performs req, streaming the response body into sink without buffering the whole
// body in memory. sink is typically an *os.File positioned by the caller (the Worker) at
// the correct resume offset.
func (f *Fetcher) Fetch(ctx context.Context, req Request, sink io.Writer) (*Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fgerr.New("fetch", fgerr.TransientNetwork, err)
	}

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if req.UserAgent != "" {
		httpReq.Header.Set("User-Agent", req.UserAgent)
	}
	if req.Referer != "" {
		httpReq.Header.Set("Referer", req.Referer)
	}
	if req.BasicAuthUser != "" {
		httpReq.SetBasicAuth(req.BasicAuthUser, req.BasicAuthPass)
	}
	if req.Range != nil {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", req.Range.Start, req.Range.End))
	}
	// Accept-Encoding: identity keeps byte ranges aligned with Content-Length for
	// segmented transfers, per §6.
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fgerr.HTTP("fetch", resp.StatusCode, fmt.Errorf("http status %d", resp.StatusCode))
	}

	body := io.Reader(resp.Body)
	var limiter *rate.Limiter
	if req.SpeedCapBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(req.SpeedCapBytesPerSec), 64*1024)
	}

	written, err := streamCopy(ctx, sink, body, limiter, req)
	result := &Result{
		StatusCode:   resp.StatusCode,
		EffectiveURL: resp.Request.URL.String(),
		BytesWritten: written,
	}
	if err != nil {
		// Still hand back the partial result: the caller (the Worker) may recognize a
		// progress-callback-initiated stop as success rather than failure (e.g. a
		// work-stealing split shortened the segment's target mid-flight).
		return result, err
	}
	return result, nil
}

// ProbeResult is what a head-only probe recovers ahead of planning: total size (0 if the
// server didn't advertise one), whether the server accepts range requests, the response
// status, and the effective URL after redirects.
type ProbeResult struct {
	ContentLength int64
	AcceptRanges  bool
	StatusCode    int
	EffectiveURL  string
}

// Probe issues a GET against url and aborts the body read immediately after headers
// arrive, recovering Content-Length/Accept-Ranges/status/effective-URL for pre-planning
// without downloading any body bytes, per §4.1's "head-only probe" requirement. A plain
// HEAD is avoided since some origins omit Content-Length or redirect differently on HEAD.
func (f *Fetcher) Probe(ctx context.Context, url string, headers map[string]string) (*ProbeResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fgerr.New("fetch", fgerr.TransientNetwork, err)
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Range", "bytes=0-0")
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fgerr.HTTP("fetch", resp.StatusCode, fmt.Errorf("probe http status %d", resp.StatusCode))
	}

	pr := &ProbeResult{
		StatusCode:   resp.StatusCode,
		EffectiveURL: resp.Request.URL.String(),
		AcceptRanges: resp.StatusCode == http.StatusPartialContent || resp.Header.Get("Accept-Ranges") == "bytes",
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			var start, end, total int64
			if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err == nil {
				pr.ContentLength = total
			}
		}
	} else {
		pr.ContentLength = resp.ContentLength
	}
	return pr, nil
}

// streamCopy copies src to dst in fixed chunks, applying the rate limiter (if any),
// invoking the progress callback, and aborting on a sustained low-speed window.
func streamCopy(ctx context.Context, dst io.Writer, src io.Reader, limiter *rate.Limiter, req Request) (int64, error) {
	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)

	var written int64
	windowStart := time.Now()
	windowBytes := int64(0)

	for {
		if err := ctx.Err(); err != nil {
			return written, fgerr.New("fetch", fgerr.UserCancel, err)
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return written, fgerr.New("fetch", fgerr.UserCancel, err)
				}
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, fgerr.New("fetch", fgerr.Filesystem, werr)
			}
			written += int64(n)
			windowBytes += int64(n)

			if req.ProgressFunc != nil && !req.ProgressFunc(written) {
				return written, fgerr.New("fetch", fgerr.UserCancel, fmt.Errorf("cancelled by progress callback"))
			}
		}

		if req.LowSpeedFloor > 0 && req.LowSpeedWindow > 0 {
			if elapsed := time.Since(windowStart); elapsed >= req.LowSpeedWindow {
				speed := float64(windowBytes) / elapsed.Seconds()
				if speed < float64(req.LowSpeedFloor) {
					return written, fgerr.New("fetch", fgerr.LowSpeedAbort,
						fmt.Errorf("speed %.0f B/s below floor %d B/s over %s", speed, req.LowSpeedFloor, req.LowSpeedWindow))
				}
				windowStart = time.Now()
				windowBytes = 0
			}
		}

		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, classifyTransportError(readErr)
		}
	}
}

func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	var certErr x509.UnknownAuthorityError
	var certErr2 x509.CertificateInvalidError
	var tlsErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &certErr2) || errors.As(err, &tlsErr) {
		return fgerr.New("fetch", fgerr.SslVerify, err)
	}
	return fgerr.New("fetch", fgerr.TransientNetwork, err)
}
