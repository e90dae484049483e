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
	"fmt"
	"time"

	"github.com/u-root/uio/ulog"
)

// DefaultMessageSize is the message size a client asks for unless told
// otherwise.
const DefaultMessageSize uint32 = 64 << 10

// minMessageSize fits every fixed-size message and a useful amount of data.
const minMessageSize uint32 = 256

// ClientOpt enables optional client configuration.
type ClientOpt func(*Client) error

// WithMessageSize overrides the default message size.
func WithMessageSize(m uint32) ClientOpt {
	return func(c *Client) error {
		if m < minMessageSize {
			return fmt.Errorf("message size %d is smaller than the minimum of %d", m, minMessageSize)
		}
		c.msize = m
		return nil
	}
}

// WithVersion overrides the protocol version the client asks for.
func WithVersion(version string) ClientOpt {
	return func(c *Client) error {
		d, err := LookupDialect(version)
		if err != nil {
			return err
		}
		c.dialect = d
		return nil
	}
}

// WithoutDowngrade makes any version other than the requested one fatal.
func WithoutDowngrade() ClientOpt {
	return func(c *Client) error {
		c.downgrade = false
		return nil
	}
}

// WithTimeout bounds how long each request waits for its reply. Zero means
// wait forever.
//
// A request that times out tears the connection down.
func WithTimeout(d time.Duration) ClientOpt {
	return func(c *Client) error {
		if d < 0 {
			return fmt.Errorf("negative timeout %v", d)
		}
		c.timeout = d
		return nil
	}
}

// WithClientLogger overrides the default logger for the client.
func WithClientLogger(l ulog.Logger) ClientOpt {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}
