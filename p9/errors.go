// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package p9

import (
	"errors"
	"fmt"

	"github.com/hugelgupf/p9client/linux"
)

// Errors a LocalError or TEError may wrap.
var (
	ErrClosed             = errors.New("connection closed")
	ErrTimeout            = errors.New("timed out waiting for reply")
	ErrTagsExhausted      = errors.New("no free tags")
	ErrFidsExhausted      = errors.New("no free fids")
	ErrUpgrade            = errors.New("cannot upgrade protocol version")
	ErrVersionMismatch    = errors.New("server changed protocol version")
	ErrUnknownVersion     = errors.New("unknown protocol version")
	ErrUnknownMessage     = errors.New("unknown message type")
	ErrUnsupportedMessage = errors.New("message not supported by dialect")
	ErrUnexpectedReply    = errors.New("unexpected reply")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrMessageSize        = errors.New("bad message size from server")
	ErrBadFid             = errors.New("unknown fid")
)

// RemoteError is an error the server sent in Rerror or Rlerror.
type RemoteError struct {
	// Op is the request that failed, such as "walk".
	Op string

	// Numeric is set when the server sent only an errno (Rlerror).
	Numeric bool

	// Message is the server's text. For Rlerror it is the local text of
	// Errno.
	Message string

	// Errno is the Linux errno sent by a 9P2000.u or 9P2000.L server, or 0.
	Errno linux.Errno
}

// Error implements error.Error.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap returns Errno so that errors.Is(err, fs.ErrNotExist) and friends
// work. It returns nil for text-only errors.
func (e *RemoteError) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// LocalError is a failure detected by the client itself: misuse, resource
// exhaustion or a reply it cannot make sense of.
type LocalError struct {
	Op  string
	Err error
}

// Error implements error.Error.
func (e *LocalError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *LocalError) Unwrap() error { return e.Err }

// TEError is the LocalError returned when no reply arrived, because of a
// timeout or because the connection went away. The connection is torn down
// when it is returned.
type TEError struct {
	LocalError
}

// As lets errors.As match a TEError against *LocalError.
func (e *TEError) As(target interface{}) bool {
	if le, ok := target.(**LocalError); ok {
		*le = &e.LocalError
		return true
	}
	return false
}

func localErr(op string, err error) error {
	return &LocalError{Op: op, Err: err}
}
