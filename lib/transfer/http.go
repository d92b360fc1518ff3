/*
Copyright 2024 Edgewise, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/utils"
)

// permanentError marks a failure that must not be retried: checksum
// mismatches, out-of-range parameters and request rejections.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.As(trace.Unwrap(err), &p)
}

// attemptLoop retries a single transfer within its budget. Backoff is
// exponential with jitter, capped at the keep-alive interval, and
// reset whenever an attempt makes forward progress.
func (e *Engine) attemptLoop(idx int, gen uint64, req Request, cancelC chan struct{}) error {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:   time.Second,
		Max:    e.cfg.BackoffMax,
		Jitter: e.cfg.Jitter,
		Clock:  e.cfg.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	budget := req.MaxRetry
	if budget == 0 {
		budget = 1
	}

	for attempt := 1; ; attempt++ {
		before := e.bytesOf(idx, gen)
		attemptErr := e.attempt(idx, gen, req, cancelC)
		if attemptErr == nil {
			e.sendResponse(req, status.Success)
			return nil
		}
		if isPermanent(attemptErr) || isCancelled(cancelC) {
			e.sendResponse(req, status.FromError(attemptErr))
			return trace.Wrap(attemptErr)
		}
		if budget != -1 && attempt >= budget {
			e.sendResponse(req, status.Failure)
			return trace.Wrap(attemptErr)
		}
		// forward progress resets the backoff so a flaky but moving
		// transfer is not punished with long waits.
		if e.bytesOf(idx, gen) > before {
			retry.Reset()
		}
		retry.Inc()
		e.noteRetry(idx, gen)
		plog.WithField("path", req.LocalPath).Debugf("Transfer attempt %d failed, retrying: %v.", attempt, attemptErr)

		select {
		case <-retry.After():
		case <-cancelC:
			return trace.Errorf("transfer cancelled")
		case <-e.ctx.Done():
			return trace.Errorf("transfer engine is closed")
		}
	}
}

func isCancelled(cancelC chan struct{}) bool {
	select {
	case <-cancelC:
		return true
	default:
		return false
	}
}

func (e *Engine) bytesOf(idx int, gen uint64) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[idx]
	if rec.gen != gen {
		return 0
	}
	return rec.bytes
}

func (e *Engine) noteRetry(idx int, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[idx]
	if rec.gen == gen {
		rec.retries++
	}
}

// attempt runs one try in the configured direction. A watchdog runs
// beside the copy loop and aborts the attempt when the byte counter
// stops advancing, so a read blocked on a dead connection still hits
// the low speed limit instead of holding the worker slot forever.
func (e *Engine) attempt(idx int, gen uint64, req Request, cancelC chan struct{}) error {
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()
	go func() {
		select {
		case <-cancelC:
			cancel()
		case <-ctx.Done():
		}
	}()

	var stalled atomic.Bool
	go e.stallWatchdog(ctx, cancel, idx, gen, &stalled)

	var err error
	switch req.Direction {
	case DirectionUpload:
		err = e.upload(ctx, idx, gen, req)
	default:
		err = e.download(ctx, idx, gen, req, cancelC)
	}
	if err != nil && stalled.Load() && !isCancelled(cancelC) {
		return trace.ConnectionProblem(err,
			"transfer rate below %d B/s for %v", e.cfg.LowSpeedLimit, e.cfg.LowSpeedTime)
	}
	return trace.Wrap(err)
}

// stallWatchdog cancels the attempt when fewer bytes than the low
// speed limit allows arrive within one window. The attempt context
// flows into the HTTP request, so cancelling it unblocks a stalled
// body read.
func (e *Engine) stallWatchdog(ctx context.Context, cancel context.CancelFunc, idx int, gen uint64, stalled *atomic.Bool) {
	seconds := int64(e.cfg.LowSpeedTime / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	last := e.bytesOf(idx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.cfg.Clock.After(e.cfg.LowSpeedTime):
		}
		cur := e.bytesOf(idx, gen)
		if cur < last {
			// the counter was re-primed after the remote ignored the
			// range request; restart the window from the new base
			last = cur
			continue
		}
		if (cur-last)/seconds < e.cfg.LowSpeedLimit {
			stalled.Store(true)
			cancel()
			return
		}
		last = cur
	}
}

// download fetches the remote file, resuming from the local byte
// offset when the remote honors range requests.
func (e *Engine) download(ctx context.Context, idx int, gen uint64, req Request, cancelC chan struct{}) error {
	var offset int64
	if fi, err := os.Stat(req.LocalPath); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return permanent(trace.BadParameter("malformed transfer url: %v", err))
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.cfg.Client.Do(httpReq)
	if err != nil {
		return trace.ConnectionProblem(err, "download request failed")
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// remote ignored (or never saw) the range request: restart
		offset = 0
		flags |= os.O_TRUNC
	default:
		return httpStatusError(resp.StatusCode)
	}

	e.setBytes(idx, gen, offset, offset)

	file, err := os.OpenFile(req.LocalPath, flags, 0o644)
	if err != nil {
		return permanent(trace.ConvertSystemError(err))
	}

	copyErr := e.copyBody(idx, gen, req, file, resp.Body, cancelC)
	if closeErr := file.Close(); copyErr == nil && closeErr != nil {
		copyErr = trace.ConvertSystemError(closeErr)
	}
	if copyErr != nil {
		return trace.Wrap(copyErr)
	}

	if req.Checksum != "" {
		digest, err := fileDigest(req.LocalPath, req.Algorithm)
		if err != nil {
			return trace.Wrap(err)
		}
		if !strings.EqualFold(digest, req.Checksum) {
			// corruption is fatal for the package: delete and stop
			os.Remove(req.LocalPath)
			return permanent(trace.BadParameter(
				"checksum mismatch: expected %v, computed %v", req.Checksum, digest))
		}
	}
	return nil
}

// copyBody streams the response body to the file, sampling the cancel
// flag at every I/O boundary, throttling progress callbacks and
// enforcing the low speed watchdog.
func (e *Engine) copyBody(idx int, gen uint64, req Request, dst io.Writer, src io.Reader, cancelC chan struct{}) error {
	buf := make([]byte, 32*1024)
	windowStart := e.cfg.Clock.Now()
	var windowBytes int64

	for {
		if isCancelled(cancelC) {
			return trace.Errorf("transfer cancelled")
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return trace.ConvertSystemError(err)
			}
			windowBytes += int64(n)
			e.addBytes(idx, gen, int64(n), req)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return trace.ConnectionProblem(readErr, "download interrupted")
		}

		if elapsed := e.cfg.Clock.Now().Sub(windowStart); elapsed >= e.cfg.LowSpeedTime {
			seconds := int64(elapsed / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			rate := windowBytes / seconds
			if rate < e.cfg.LowSpeedLimit {
				return trace.ConnectionProblem(nil,
					"transfer rate %d B/s below limit %d B/s", rate, e.cfg.LowSpeedLimit)
			}
			windowStart = e.cfg.Clock.Now()
			windowBytes = 0
		}
	}
}

// setBytes primes the byte counters at the start of an attempt.
func (e *Engine) setBytes(idx int, gen uint64, bytes, prev int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[idx]
	if rec.gen != gen {
		return
	}
	rec.bytes = bytes
	rec.prev = prev
}

// addBytes advances the byte counter and fires the throttled progress
// callback.
func (e *Engine) addBytes(idx int, gen uint64, n int64, req Request) {
	e.mu.Lock()
	rec := e.records[idx]
	if rec.gen != gen {
		e.mu.Unlock()
		return
	}
	rec.bytes += n
	now := e.cfg.Clock.Now()
	fire := req.Progress != nil && now.Sub(rec.lastLog) >= e.cfg.ProgressInterval
	var pct float64
	if fire {
		rec.lastLog = now
		pct = e.percentLocked(rec)
	}
	e.mu.Unlock()

	if fire {
		req.Progress(Progress{Status: status.Invoked, Percent: pct})
	}
}

// upload posts the local file as a single multipart field named
// "file" with the bearer token header.
func (e *Engine) upload(ctx context.Context, idx int, gen uint64, req Request) error {
	file, err := os.Open(req.LocalPath)
	if err != nil {
		return permanent(trace.ConvertSystemError(err))
	}
	defer file.Close()

	if fi, err := file.Stat(); err == nil {
		e.mu.Lock()
		if rec := e.records[idx]; rec.gen == gen && req.ExpectedSize == 0 {
			rec.req.ExpectedSize = fi.Size()
		}
		e.mu.Unlock()
	}

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(req.LocalPath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, &countingReader{engine: e, idx: idx, gen: gen, req: req, r: file}); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, pr)
	if err != nil {
		return permanent(trace.BadParameter("malformed transfer url: %v", err))
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := e.cfg.Client.Do(httpReq)
	if err != nil {
		return trace.ConnectionProblem(err, "upload request failed")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return httpStatusError(resp.StatusCode)
	}
	return nil
}

// countingReader advances the transfer byte counter as the multipart
// body is consumed.
type countingReader struct {
	engine *Engine
	idx    int
	gen    uint64
	req    Request
	r      io.Reader
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.engine.addBytes(c.idx, c.gen, int64(n), c.req)
	}
	return n, err
}

// httpStatusError translates an HTTP status into the error taxonomy;
// client rejections are permanent, server errors are retried.
func httpStatusError(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return permanent(trace.AccessDenied("remote rejected credentials (%d)", code))
	case code == http.StatusNotFound:
		return permanent(trace.NotFound("remote file not found"))
	case code >= 400 && code < 500:
		return permanent(trace.BadParameter("remote rejected request (%d)", code))
	default:
		return trace.ConnectionProblem(nil, "remote returned status %d", code)
	}
}

// sendResponse reports the terminal result to the response URL when
// one was provided. Best effort; failures are only logged.
func (e *Engine) sendResponse(req Request, code status.Code) {
	if req.ResponseURL == "" {
		return
	}
	body := strings.NewReader(fmt.Sprintf(`{"status":%d,"message":%q}`, int(code), code.String()))
	httpReq, err := http.NewRequestWithContext(e.ctx, http.MethodPost, req.ResponseURL, body)
	if err != nil {
		plog.Debugf("Malformed response URL %q: %v.", req.ResponseURL, err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	resp, err := e.cfg.Client.Do(httpReq)
	if err != nil {
		plog.Debugf("Failed to post transfer response: %v.", err)
		return
	}
	resp.Body.Close()
}
