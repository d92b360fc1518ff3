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

// Package status defines the numeric result codes the agent reports on
// the wire (action acknowledgements carry one) and the translation
// between those codes and the error values used internally.
package status

import (
	"github.com/gravitational/trace"
)

// Code is the numeric result of an agent operation. Zero means
// success; the remaining values form the agent error taxonomy. The
// numeric values are part of the cloud protocol and must not be
// reordered.
type Code int

const (
	// Success indicates the operation completed.
	Success Code = iota
	// Invoked indicates an asynchronous operation was started but has
	// not completed yet.
	Invoked
	// BadParameter indicates an invalid parameter was passed.
	BadParameter
	// BadRequest indicates the request was malformed or arrived in a
	// state that cannot accept it.
	BadRequest
	// ExecutionError indicates an action handler or subprocess failed.
	ExecutionError
	// FileOpenFailed indicates a local file could not be opened.
	FileOpenFailed
	// Full indicates a queue or slot table was full.
	Full
	// IOError indicates an input/output failure.
	IOError
	// NoMemory indicates an allocation failure.
	NoMemory
	// NoPermission indicates insufficient permission.
	NoPermission
	// NotExecutable indicates the action target cannot be executed.
	NotExecutable
	// NotFound indicates the named item does not exist.
	NotFound
	// NotInitialized indicates use of the library before initialize.
	NotInitialized
	// OutOfRange indicates a value outside the permitted range.
	OutOfRange
	// ParseError indicates malformed wire data.
	ParseError
	// Timeout indicates a deadline elapsed.
	Timeout
	// TryAgain indicates a transient condition worth retrying.
	TryAgain
	// NotSupported indicates the operation is not supported.
	NotSupported
	// Failure is the catch-all terminal failure.
	Failure
)

var codeStrings = map[Code]string{
	Success:        "success",
	Invoked:        "invoked",
	BadParameter:   "bad parameter",
	BadRequest:     "bad request",
	ExecutionError: "execution error",
	FileOpenFailed: "file open failed",
	Full:           "full",
	IOError:        "input/output error",
	NoMemory:       "out of memory",
	NoPermission:   "no permission",
	NotExecutable:  "not executable",
	NotFound:       "not found",
	NotInitialized: "not initialized",
	OutOfRange:     "out of range",
	ParseError:     "parsing error",
	Timeout:        "timed out",
	TryAgain:       "try again",
	NotSupported:   "not supported",
	Failure:        "internal error",
}

// String returns the log form of the code. Unknown codes render as the
// generic failure text so a bad cast never panics a log path.
func (c Code) String() string {
	if s, ok := codeStrings[c]; ok {
		return s
	}
	return codeStrings[Failure]
}

// OK reports whether the code indicates a completed operation.
func (c Code) OK() bool {
	return c == Success
}

// Err converts the code to an error carried through trace so that
// callers can match on the error class. Success converts to nil.
func (c Code) Err() error {
	switch c {
	case Success:
		return nil
	case BadParameter, OutOfRange, ParseError:
		return trace.BadParameter(c.String())
	case NotFound:
		return trace.NotFound(c.String())
	case NoPermission:
		return trace.AccessDenied(c.String())
	case Timeout, Full:
		return trace.LimitExceeded(c.String())
	case NotSupported, NotExecutable:
		return trace.NotImplemented(c.String())
	default:
		return trace.Errorf("%v", c)
	}
}

// FromError maps an internal error back to the wire code. The mapping
// is deliberately lossy; components that need a more specific code
// attach one explicitly instead of relying on this translation.
func FromError(err error) Code {
	switch {
	case err == nil:
		return Success
	case trace.IsBadParameter(err):
		return BadParameter
	case trace.IsNotFound(err):
		return NotFound
	case trace.IsAccessDenied(err):
		return NoPermission
	case trace.IsLimitExceeded(err):
		return Timeout
	case trace.IsNotImplemented(err):
		return NotSupported
	case trace.IsConnectionProblem(err):
		return IOError
	default:
		return Failure
	}
}
