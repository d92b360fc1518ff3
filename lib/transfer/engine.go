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
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/status"
	"github.com/edgewise/iot-agent/lib/utils"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentTransfer)

// Config configures an engine.
type Config struct {
	// Workers bounds the number of transfers in progress at any
	// instant. Defaults to 5.
	Workers int
	// Client is the HTTP client used for all transfers. Defaults to
	// a client with no overall timeout (attempts are bounded by the
	// low speed watchdog and cancellation).
	Client *http.Client
	// JournalPath, when set, persists pending and running transfers
	// so they resume after a restart.
	JournalPath string
	// BackoffMax caps the retry backoff. Defaults to the keep-alive
	// interval.
	BackoffMax time.Duration
	// LowSpeedLimit aborts an attempt when the average rate stays
	// below this many bytes per second for LowSpeedTime.
	LowSpeedLimit int64
	// LowSpeedTime is the low speed evaluation window.
	LowSpeedTime time.Duration
	// ProgressInterval throttles progress callbacks per transfer.
	ProgressInterval time.Duration
	// Jitter randomizes the retry backoff.
	Jitter utils.Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Workers < 0 {
		return trace.BadParameter("negative worker count")
	}
	if c.Workers == 0 {
		c.Workers = defaults.TransferWorkers
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.KeepAlive
	}
	if c.LowSpeedLimit == 0 {
		c.LowSpeedLimit = defaults.TransferLowSpeedLimit
	}
	if c.LowSpeedTime == 0 {
		c.LowSpeedTime = defaults.TransferLowSpeedTime
	}
	if c.ProgressInterval == 0 {
		c.ProgressInterval = defaults.TransferProgressInterval
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewHalfJitter()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// record is one transfer. Records live in the engine slot table and
// are reused (with a bumped generation) after the owner releases
// them; callers only ever hold Handle weak references.
type record struct {
	gen     uint64
	req     Request
	state   State
	bytes   int64
	prev    int64
	retries int
	expiry  time.Time
	err     error

	cancel   chan struct{}
	released bool
	// lastLog is the last progress callback time, for throttling.
	lastLog time.Time
	// done closes when the worker finishes, successfully or not.
	done chan struct{}
}

// Engine drives transfers in bounded worker slots. The zero value is
// not usable; construct with NewEngine.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	records  []*record
	free     []int
	pending  []int
	inFlight int
	closed   bool

	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewEngine builds an engine and re-queues any journaled transfers
// from a previous run.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		ctx:      ctx,
		cancelFn: cancel,
	}
	if cfg.JournalPath != "" {
		reqs, err := loadJournal(cfg.JournalPath)
		if err != nil {
			plog.Warnf("Failed to load transfer journal: %v.", err)
		}
		for i := range reqs {
			if _, err := e.Begin(reqs[i]); err != nil {
				plog.Warnf("Failed to requeue journaled transfer %q: %v.", reqs[i].LocalPath, err)
			}
		}
	}
	return e, nil
}

// Begin validates the request and either starts it in a free worker
// slot or queues it pending. The returned handle stays valid until
// Release.
func (e *Engine) Begin(req Request) (Handle, error) {
	if err := req.Check(); err != nil {
		return Handle{}, trace.Wrap(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Handle{}, trace.Errorf("transfer engine is closed")
	}

	idx := e.allocLocked()
	rec := e.records[idx]
	rec.req = req
	rec.state = StateNotStarted
	rec.expiry = tokenExpiry(req.Token)
	rec.cancel = make(chan struct{})
	rec.done = make(chan struct{})

	if e.inFlight < e.cfg.Workers {
		e.startLocked(idx)
	} else {
		rec.state = StatePending
		e.pending = append(e.pending, idx)
	}
	e.journalLocked()
	return Handle{index: idx, gen: rec.gen}, nil
}

// allocLocked takes a slot off the free list or grows the table.
func (e *Engine) allocLocked() int {
	if n := len(e.free); n > 0 {
		idx := e.free[n-1]
		e.free = e.free[:n-1]
		rec := e.records[idx]
		*rec = record{gen: rec.gen + 1}
		return idx
	}
	e.records = append(e.records, &record{gen: 1})
	return len(e.records) - 1
}

// startLocked hands the slot to a worker goroutine.
func (e *Engine) startLocked(idx int) {
	rec := e.records[idx]
	rec.state = StateInProgress
	e.inFlight++
	e.wg.Add(1)
	go e.run(idx, rec.gen)
}

// run executes the transfer attempt loop and then releases the worker
// slot, promoting the next pending transfer in FIFO order.
func (e *Engine) run(idx int, gen uint64) {
	defer e.wg.Done()

	e.mu.Lock()
	rec := e.records[idx]
	if rec.gen != gen {
		// slot was reclaimed before the worker got scheduled; the freed
		// capacity still promotes pending transfers right away
		e.inFlight--
		e.promoteLocked()
		e.journalLocked()
		e.mu.Unlock()
		return
	}
	req := rec.req
	cancelC := rec.cancel
	e.mu.Unlock()

	err := e.attemptLoop(idx, gen, req, cancelC)

	e.mu.Lock()
	rec = e.records[idx]
	final := Progress{Status: status.Success, Percent: 100, Completed: true}
	if rec.gen == gen {
		if err != nil {
			rec.state = StateFailed
			rec.err = err
			final.Status = status.FromError(err)
			final.Percent = e.percentLocked(rec)
		} else {
			rec.state = StateCompleted
		}
		close(rec.done)
	}
	e.inFlight--
	e.promoteLocked()
	e.journalLocked()
	progress := req.Progress
	e.mu.Unlock()

	if err != nil {
		plog.WithField("path", req.LocalPath).Warnf("Transfer failed: %v.", err)
	} else {
		plog.WithField("path", req.LocalPath).Debug("Transfer completed.")
	}
	// the terminal progress event fires exactly once, after the
	// checksum has been verified.
	if progress != nil {
		progress(final)
	}
}

// promoteLocked starts pending transfers in FIFO order while worker
// capacity is available.
func (e *Engine) promoteLocked() {
	for e.inFlight < e.cfg.Workers && len(e.pending) > 0 {
		idx := e.pending[0]
		e.pending = e.pending[1:]
		rec := e.records[idx]
		if rec.state != StatePending {
			continue
		}
		e.startLocked(idx)
	}
}

func (e *Engine) percentLocked(rec *record) float64 {
	total := rec.req.ExpectedSize
	if total <= 0 {
		return -1
	}
	return float64(rec.bytes) * 100 / float64(total)
}

// Status snapshots the record the handle refers to.
func (e *Engine) Status(h Handle) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.deref(h)
	if err != nil {
		return Snapshot{}, trace.Wrap(err)
	}
	return Snapshot{
		Request:          rec.req,
		State:            rec.state,
		BytesTransferred: rec.bytes,
		PrevBytes:        rec.prev,
		Retries:          rec.retries,
		Expiry:           rec.expiry,
		Error:            rec.err,
	}, nil
}

// Wait blocks until the transfer reaches a terminal state or the
// context expires.
func (e *Engine) Wait(ctx context.Context, h Handle) (Snapshot, error) {
	e.mu.Lock()
	rec, err := e.deref(h)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, trace.Wrap(err)
	}
	done := rec.done
	e.mu.Unlock()

	select {
	case <-done:
		return e.Status(h)
	case <-ctx.Done():
		return Snapshot{}, trace.LimitExceeded("timed out waiting for transfer")
	}
}

// Cancel flags the transfer; a running worker observes the flag at
// its next I/O boundary and aborts cleanly. A pending transfer fails
// immediately. The response URL and token are cleared so a cancelled
// slot never retains credentials.
func (e *Engine) Cancel(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.deref(h)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(e.cancelLocked(rec))
}

func (e *Engine) cancelLocked(rec *record) error {
	switch rec.state {
	case StateCompleted, StateFailed:
		return nil
	case StatePending, StateNotStarted:
		rec.state = StateFailed
		rec.err = trace.Errorf("transfer cancelled")
		close(rec.done)
	case StateInProgress:
		select {
		case <-rec.cancel:
		default:
			close(rec.cancel)
		}
	}
	rec.req.ResponseURL = ""
	rec.req.Token = ""
	e.journalLocked()
	return nil
}

// CancelAll cancels every non-terminal transfer.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range e.records {
		if !rec.state.Terminal() {
			e.cancelLocked(rec)
		}
	}
}

// Release returns a terminal slot to the free list. Releasing a
// non-terminal transfer cancels it first.
func (e *Engine) Release(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.deref(h)
	if err != nil {
		return trace.Wrap(err)
	}
	if !rec.state.Terminal() {
		e.cancelLocked(rec)
	}
	if !rec.released {
		rec.released = true
		rec.gen++ // stale handles now miss
		e.free = append(e.free, h.index)
	}
	return nil
}

// Tick fails transfers whose token expired while queued and promotes
// pending work if capacity freed up. Called from the scheduler loop.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, idx := range append([]int(nil), e.pending...) {
		rec := e.records[idx]
		if rec.state == StatePending && !rec.expiry.IsZero() && now.After(rec.expiry) {
			rec.state = StateFailed
			rec.err = trace.LimitExceeded("transfer token expired while pending")
			close(rec.done)
		}
	}
	e.compactPendingLocked()
	e.promoteLocked()
	e.journalLocked()
}

func (e *Engine) compactPendingLocked() {
	kept := e.pending[:0]
	for _, idx := range e.pending {
		if e.records[idx].state == StatePending {
			kept = append(kept, idx)
		}
	}
	e.pending = kept
}

// InProgress reports the number of transfers currently owned by
// workers.
func (e *Engine) InProgress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Close cancels everything and waits for the workers to drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.CancelAll()
	e.cancelFn()
	e.wg.Wait()
	return nil
}

func (e *Engine) deref(h Handle) (*record, error) {
	if h.index < 0 || h.index >= len(e.records) {
		return nil, trace.NotFound("no such transfer")
	}
	rec := e.records[h.index]
	if rec.gen != h.gen {
		return nil, trace.NotFound("transfer handle is stale")
	}
	return rec, nil
}

// tokenExpiry extracts the exp claim when the bearer token happens to
// be a JWT. The signature is not verified; the claim only bounds how
// long the engine keeps retrying.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
