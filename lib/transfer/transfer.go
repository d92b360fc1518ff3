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

// Package transfer implements the file transfer engine: a bounded
// pool of worker slots driving resumable, checksum-verified HTTP(S)
// uploads and downloads with retry and progress reporting.
package transfer

import (
	"time"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/status"
)

// Direction of a transfer.
type Direction string

const (
	// DirectionUpload sends a local file to the cloud.
	DirectionUpload Direction = "upload"
	// DirectionDownload fetches a remote file.
	DirectionDownload Direction = "download"
	// DirectionOTA is a download resolved from the global file store,
	// used for software update packages.
	DirectionOTA Direction = "ota"
)

// State of a transfer record.
type State int

const (
	// StateNotStarted is a freshly allocated record.
	StateNotStarted State = iota
	// StateInProgress is a record owned by a worker.
	StateInProgress
	// StatePending is queued waiting for a free worker slot.
	StatePending
	// StateCompleted finished successfully.
	StateCompleted
	// StateFailed finished unsuccessfully.
	StateFailed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not started"
	case StateInProgress:
		return "in progress"
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Algorithm names a checksum digest.
type Algorithm string

const (
	// AlgorithmNone skips integrity verification.
	AlgorithmNone Algorithm = ""
	// AlgorithmMD5 verifies an MD5 digest.
	AlgorithmMD5 Algorithm = "md5"
	// AlgorithmSHA256 verifies a SHA-256 digest.
	AlgorithmSHA256 Algorithm = "sha256"
)

// Progress is delivered to the progress callback on bytes-delivered
// events, at most once per second per transfer. Completed is reported
// exactly once.
type Progress struct {
	// Status is the transfer result so far; Invoked while running.
	Status status.Code
	// Percent is 0..100, or -1 when the total size is unknown.
	Percent float64
	// Completed is true on the final event.
	Completed bool
}

// ProgressFunc receives progress events. It is called from the worker
// goroutine and must not block.
type ProgressFunc func(Progress)

// Request describes a transfer to begin.
type Request struct {
	// Direction of the transfer.
	Direction Direction
	// LocalPath is the file to upload from or download into.
	LocalPath string
	// URL is the remote endpoint.
	URL string
	// ResponseURL, when set, receives a completion report.
	ResponseURL string
	// Token is the bearer token attached to every request. When it
	// parses as a JWT its exp claim bounds the transfer lifetime.
	Token string
	// Checksum is the expected digest, hex lowercase. Downloads only.
	Checksum string
	// Algorithm selects the digest. Required when Checksum is set.
	Algorithm Algorithm
	// ExpectedSize is the remote size when known, used for percent
	// math; zero means unknown.
	ExpectedSize int64
	// MaxRetry caps attempts: 0 and 1 both mean one try, -1 means
	// unlimited.
	MaxRetry int
	// Progress receives progress events. Optional.
	Progress ProgressFunc `json:"-"`
}

// Check validates the request.
func (r *Request) Check() error {
	switch r.Direction {
	case DirectionUpload, DirectionDownload, DirectionOTA:
	default:
		return trace.BadParameter("unsupported transfer direction %q", r.Direction)
	}
	if r.LocalPath == "" {
		return trace.BadParameter("missing parameter LocalPath")
	}
	if len(r.LocalPath) > defaults.PathMaxLen {
		return trace.BadParameter("local path exceeds %d bytes", defaults.PathMaxLen)
	}
	if r.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	if r.Checksum != "" {
		switch r.Algorithm {
		case AlgorithmMD5, AlgorithmSHA256:
		default:
			return trace.BadParameter("checksum set without a supported algorithm")
		}
	}
	return nil
}

// Handle is a weak reference to a transfer record: the slot index
// plus a generation counter. A stale handle (slot since reused) is
// detected by the generation mismatch.
type Handle struct {
	index int
	gen   uint64
}

// Snapshot is a point-in-time copy of a transfer record, safe to
// retain.
type Snapshot struct {
	// Request is the originating request.
	Request Request
	// State of the record.
	State State
	// BytesTransferred in the current attempt plus resumed prefix.
	BytesTransferred int64
	// PrevBytes is the resumed byte prefix from an earlier attempt.
	PrevBytes int64
	// Retries performed so far.
	Retries int
	// Expiry is when the transfer token lapses; zero when unknown.
	Expiry time.Time
	// Error is the terminal failure, nil otherwise.
	Error error
}
