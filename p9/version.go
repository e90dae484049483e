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
	"strings"

	"github.com/hugelgupf/p9client/sequencer"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Dialect is one protocol version: 9P2000, 9P2000.u or 9P2000.L.
//
// Dialects are ordered. Each one supports every message of the dialects
// below it, and a connection may only move down.
type Dialect struct {
	name    string
	ordinal int
	env     sequencer.Env

	// msgs is the advertised message set.
	msgs map[MsgType]bool

	// accepts holds messages that are packed and unpacked without being
	// advertised.
	accepts map[MsgType]bool
}

// The supported dialects, lowest first.
var (
	Plain = newDialect("9P2000", 0, nil)
	DotU  = newDialect("9P2000.u", 1, []string{".u"})
	DotL  = newDialect("9P2000.L", 2, []string{".u", ".L"})
)

var dialects = []*Dialect{Plain, DotU, DotL}

func newDialect(name string, ordinal int, labels []string) *Dialect {
	d := &Dialect{
		name:    name,
		ordinal: ordinal,
		env: sequencer.Env{
			Conds: make(map[string]bool),
			Auto:  map[string]interface{}{"version": name},
		},
		msgs:    make(map[MsgType]bool),
		accepts: make(map[MsgType]bool),
	}
	for _, l := range labels {
		d.env.Conds[l] = true
	}
	for _, m := range msgRegistry.schema.Messages() {
		t := MsgType(m.Op())
		switch {
		case t == MsgRlerror:
			// Servers speaking .L answer with Rlerror, but it is not
			// part of any dialect's advertised set.
			if d.env.Enabled(".L") {
				d.accepts[t] = true
			}
		case d.env.Enabled(m.Since()):
			d.msgs[t] = true
		}
	}
	return d
}

// LookupDialect returns the dialect called name. Case is ignored.
func LookupDialect(name string) (*Dialect, error) {
	for _, d := range dialects {
		if strings.EqualFold(d.name, name) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVersion, name)
}

// HighestDialect is the dialect clients request by default.
var HighestDialect = DotL

// Name returns the version string sent in Tversion.
func (d *Dialect) Name() string { return d.name }

// String implements fmt.Stringer.
func (d *Dialect) String() string { return d.name }

// Ordinal returns the dialect's rank: 0 for 9P2000, 1 for 9P2000.u and 2
// for 9P2000.L.
func (d *Dialect) Ordinal() int { return d.ordinal }

// DotU reports whether .u fields are on the wire.
func (d *Dialect) DotU() bool { return d.env.Enabled(".u") }

// DotL reports whether d is 9P2000.L.
func (d *Dialect) DotL() bool { return d.env.Enabled(".L") }

// DowngradeTo returns the dialect called name if it is not above d.
// Downgrading to d itself is allowed.
func (d *Dialect) DowngradeTo(name string) (*Dialect, error) {
	nd, err := LookupDialect(name)
	if err != nil {
		return nil, err
	}
	if nd.ordinal > d.ordinal {
		return nil, fmt.Errorf("%w: %s to %s", ErrUpgrade, d.name, nd.name)
	}
	return nd, nil
}

// Supports reports whether fcall resolves to a message d advertises.
//
// fcall may be anything Pack accepts.
func (d *Dialect) Supports(fcall interface{}) bool {
	t, err := resolve(fcall)
	return err == nil && d.msgs[t]
}

// accepted reports whether d can pack and unpack t.
func (d *Dialect) accepted(t MsgType) bool {
	return d.msgs[t] || d.accepts[t]
}

// Messages returns the message types d advertises, in opcode order.
func (d *Dialect) Messages() []MsgType {
	ts := maps.Keys(d.msgs)
	slices.Sort(ts)
	return ts
}

// resolve turns a MsgType, an opcode, a message name or a message record
// into a MsgType.
func resolve(fcall interface{}) (MsgType, error) {
	switch f := fcall.(type) {
	case MsgType:
		if msgRegistry.get(f) != nil {
			return f, nil
		}
	case string:
		if t, ok := msgRegistry.byName[strings.ToLower(f)]; ok {
			return t, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownMessage, f)
	case *sequencer.Record:
		if st := f.Type(); st != nil && st.IsMessage() && msgRegistry.get(MsgType(st.Op())) == st {
			return MsgType(st.Op()), nil
		}
		return 0, fmt.Errorf("%w: record of type %v", ErrUnknownMessage, f.Type())
	case int:
		if f >= 0 && f <= 255 && msgRegistry.get(MsgType(f)) != nil {
			return MsgType(f), nil
		}
	case uint8:
		return resolve(MsgType(f))
	case uint16:
		return resolve(int(f))
	case uint32:
		if f <= 255 {
			return resolve(int(f))
		}
	case int32:
		return resolve(int(f))
	case int64:
		if f >= 0 && f <= 255 {
			return resolve(int(f))
		}
	case uint64:
		if f <= 255 {
			return resolve(int(f))
		}
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnknownMessage, fcall)
	}
	return 0, fmt.Errorf("%w: %v", ErrUnknownMessage, fcall)
}
