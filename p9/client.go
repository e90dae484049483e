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
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/sequencer"
	"github.com/u-root/uio/ulog"
)

// Fid is a client-chosen handle to a file on the server.
type Fid uint32

// NoFid is the "no fid" value, as in the afid of an unauthenticated
// Tattach.
const NoFid Fid = 0xffffffff

// unknownPath is the cached path of a fid whose path is not known.
const unknownPath = "unknown"

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateNegotiating
	stateReady
	stateShuttingDown
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateNegotiating:
		return "negotiating version"
	case stateReady:
		return "ready"
	case stateShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// waiter is the rendezvous of one outstanding request. The reader sends at
// most one reply on ch; teardown sends nil.
type waiter struct {
	ch chan *sequencer.Record

	// timedOut is set when the caller stopped waiting. The tag stays
	// allocated until the late reply arrives or the connection goes away.
	timedOut bool
}

// Client is a 9P client.
//
// Any number of goroutines may issue requests concurrently. Replies are
// matched to requests by tag, in whatever order the server sends them.
type Client struct {
	t   Transport
	log ulog.Logger

	// Options.
	downgrade bool
	timeout   time.Duration

	// wmu serializes frame writes.
	wmu sync.Mutex

	// mu protects everything below.
	mu      sync.Mutex
	state   state
	dialect *Dialect
	msize   uint32
	tags    *pool
	fids    *pool
	waiters map[uint16]*waiter
	paths   map[Fid]string

	// closeErr is why the connection went away.
	closeErr error

	readerDone chan struct{}
}

// NewClient creates a new client over conn, a byte stream carrying 9P
// frames. It performs a Tversion exchange with the server to assert that
// messages can be exchanged.
func NewClient(conn io.ReadWriteCloser, o ...ClientOpt) (*Client, error) {
	return Connect(NewTransport(conn, DefaultMessageSize), o...)
}

// Connect creates a new client over t and negotiates the protocol version
// and message size.
//
// On failure t is closed.
func Connect(t Transport, o ...ClientOpt) (*Client, error) {
	c := &Client{
		t:          t,
		log:        ulog.Null,
		downgrade:  true,
		dialect:    HighestDialect,
		msize:      DefaultMessageSize,
		tags:       newPool(0, uint64(NoTag)),
		fids:       newPool(0, uint64(NoFid)),
		waiters:    make(map[uint16]*waiter),
		paths:      make(map[Fid]string),
		readerDone: make(chan struct{}),
		state:      stateConnecting,
	}
	for _, opt := range o {
		if err := opt(c); err != nil {
			t.Close()
			return nil, err
		}
	}
	if s, ok := t.(maxSizer); ok {
		s.SetMaxSize(c.msize)
	}

	go c.readLoop()

	if err := c.negotiate(); err != nil {
		c.teardown(err)
		<-c.readerDone
		return nil, err
	}
	return c, nil
}

// negotiate performs the Tversion exchange on the reserved tag.
func (c *Client) negotiate() error {
	c.mu.Lock()
	c.state = stateNegotiating
	requested := c.dialect
	msize := c.msize
	w := &waiter{ch: make(chan *sequencer.Record, 1)}
	c.waiters[NoTag] = w
	c.mu.Unlock()

	r, err := c.exchange("version", NoTag, w, MsgTversion, Fields{"msize": msize})
	if err != nil {
		return err
	}
	if t, _ := MsgTypeOf(r); t != MsgRversion {
		return c.badresp("version", r, nil)
	}

	granted := uint32(r.Uint("msize"))
	if granted > msize {
		return localErr("version", fmt.Errorf("%w: asked for %d, got %d", ErrMessageSize, msize, granted))
	}
	// Twrite must have room for at least one byte of data.
	if granted <= twriteHeader {
		return localErr("version", fmt.Errorf("%w: %d leaves no room for data", ErrMessageSize, granted))
	}

	d := requested
	if v := r.Str("version"); v != requested.Name() {
		if !c.downgrade {
			return localErr("version", fmt.Errorf("%w: asked for %s, server offers %q", ErrVersionMismatch, requested, v))
		}
		d, err = requested.DowngradeTo(v)
		if err != nil {
			return localErr("version", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateNegotiating {
		return &TEError{LocalError{Op: "version", Err: c.closeErr}}
	}
	c.msize = granted
	c.dialect = d
	c.state = stateReady
	if s, ok := c.t.(maxSizer); ok {
		s.SetMaxSize(granted)
	}
	c.log.Printf("p9: negotiated %s with message size %d", d, granted)
	return nil
}

// Dialect returns the negotiated protocol version.
func (c *Client) Dialect() *Dialect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialect
}

// MessageSize returns the negotiated message size.
func (c *Client) MessageSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msize
}

// Close tears down the connection. Outstanding requests fail and later ones
// fail immediately.
func (c *Client) Close() error {
	c.teardown(ErrClosed)
	<-c.readerDone
	return nil
}

// readLoop is the only reader of the transport.
func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		frame, err := c.t.ReadFrame()
		if err != nil {
			if e, ok := err.(ErrSocket); ok && e.error == io.EOF {
				err = io.EOF
			}
			c.teardown(err)
			return
		}

		c.mu.Lock()
		d := c.dialect
		c.mu.Unlock()

		r, err := d.Unpack(frame, false)
		if err != nil {
			c.logInvalid(frame, err)
			continue
		}
		c.deliver(uint16(r.Uint("tag")), r)
	}
}

// logInvalid logs what can be told about a frame that does not decode,
// without trusting anything past its header.
func (c *Client) logInvalid(frame []byte, err error) {
	if len(frame) < headerLength+2 {
		c.log.Printf("p9: dropping %d-byte frame: %v", len(frame), err)
		return
	}
	c.log.Printf("p9: dropping %d-byte frame of type %d for tag %d: %v",
		len(frame), frame[4], binary.LittleEndian.Uint16(frame[headerLength:]), err)
}

// deliver hands r to the waiter of tag.
func (c *Client) deliver(tag uint16, r *sequencer.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.waiters[tag]
	if !ok {
		c.log.Printf("p9: dropping %s for unknown tag %d", r.Type(), tag)
		return
	}
	delete(c.waiters, tag)
	if w.timedOut {
		c.log.Printf("p9: dropping late %s for timed out tag %d", r.Type(), tag)
		c.freeTagLocked(tag)
		return
	}
	w.ch <- r
}

// teardown closes the transport, releases every waiter with no reply and
// frees all tags and fids. Only the first call has any effect.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.state == stateShuttingDown || c.state == stateDisconnected {
		c.mu.Unlock()
		return
	}
	if cause == nil {
		cause = ErrClosed
	}
	c.state = stateShuttingDown
	c.closeErr = cause
	waiters := c.waiters
	c.waiters = make(map[uint16]*waiter)
	c.mu.Unlock()

	if cause != ErrClosed {
		c.log.Printf("p9: tearing down connection: %v", cause)
	}
	c.t.Close()
	for _, w := range waiters {
		select {
		case w.ch <- nil:
		default:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags.reset()
	c.fids.reset()
	c.paths = make(map[Fid]string)
	c.state = stateDisconnected
}

// newTag allocates a tag and its waiter.
func (c *Client) newTag() (uint16, *waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return 0, nil, ErrClosed
	}
	t, ok := c.tags.Get()
	if !ok {
		return 0, nil, ErrTagsExhausted
	}
	w := &waiter{ch: make(chan *sequencer.Record, 1)}
	c.waiters[uint16(t)] = w
	return uint16(t), w, nil
}

// freeTag returns an answered tag to the pool.
func (c *Client) freeTag(tag uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeTagLocked(tag)
}

func (c *Client) freeTagLocked(tag uint16) {
	if c.state != stateReady || tag == NoTag {
		// Teardown already reclaimed it.
		return
	}
	delete(c.waiters, tag)
	c.tags.Put(uint64(tag))
}

// waitFor blocks until tag is answered, the timeout passes or the
// connection goes away. It returns nil in the last two cases.
func (c *Client) waitFor(tag uint16, w *waiter) (r *sequencer.Record, timedOut bool) {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-w.ch:
		return r, false
	case <-timeout:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case r := <-w.ch:
		// Answered while the lock was being taken.
		return r, false
	default:
	}
	w.timedOut = true
	return nil, true
}

// exchange sends one request on tag and waits for its reply. A nil reply is
// turned into an error through badresp.
func (c *Client) exchange(op string, tag uint16, w *waiter, t MsgType, fields Fields) (*sequencer.Record, error) {
	c.mu.Lock()
	d := c.dialect
	c.mu.Unlock()

	fields["tag"] = tag
	frame, err := d.Pack(t, fields)
	if err != nil {
		c.freeTag(tag)
		return nil, localErr(op, err)
	}

	c.wmu.Lock()
	err = c.t.WriteFrame(frame)
	c.wmu.Unlock()
	if err != nil {
		if _, ok := err.(ErrSocket); ok {
			c.teardown(err)
			return nil, &TEError{LocalError{Op: op, Err: err}}
		}
		c.freeTag(tag)
		return nil, localErr(op, err)
	}

	r, timedOut := c.waitFor(tag, w)
	if r == nil {
		var cause error
		if timedOut {
			cause = ErrTimeout
		}
		return nil, c.badresp(op, nil, cause)
	}
	c.freeTag(tag)
	return r, nil
}

// rpc sends a request on a fresh tag and returns the reply. Error replies
// are returned as they are; use call to check the reply type.
func (c *Client) rpc(op string, t MsgType, fields Fields) (*sequencer.Record, error) {
	tag, w, err := c.newTag()
	if err != nil {
		return nil, localErr(op, err)
	}
	return c.exchange(op, tag, w, t, fields)
}

// call sends a request and checks that the reply is of type want.
func (c *Client) call(op string, t MsgType, fields Fields, want MsgType) (*sequencer.Record, error) {
	r, err := c.rpc(op, t, fields)
	if err != nil {
		return nil, err
	}
	if rt, _ := MsgTypeOf(r); rt != want {
		return nil, c.badresp(op, r, nil)
	}
	return r, nil
}

// badresp turns a reply of the wrong type into an error.
//
// No reply at all means the connection cannot be trusted any more: it is
// torn down and a TEError returned. Rerror and Rlerror become a RemoteError.
// Anything else is a LocalError.
func (c *Client) badresp(op string, r *sequencer.Record, cause error) error {
	if r == nil {
		if cause == nil {
			c.mu.Lock()
			cause = c.closeErr
			c.mu.Unlock()
			if cause == nil {
				cause = io.EOF
			}
		}
		c.teardown(cause)
		return &TEError{LocalError{Op: op, Err: cause}}
	}

	t, _ := MsgTypeOf(r)
	switch t {
	case MsgRerror:
		return &RemoteError{
			Op:      op,
			Message: r.Str("errstr"),
			Errno:   linux.Errno(r.Uint("errnum")),
		}
	case MsgRlerror:
		e := linux.Errno(r.Uint("ecode"))
		return &RemoteError{
			Op:      op,
			Numeric: true,
			Message: e.Error(),
			Errno:   e,
		}
	default:
		return localErr(op, fmt.Errorf("%w: %s", ErrUnexpectedReply, r.Type()))
	}
}

// newFid allocates a fid whose path is p.
func (c *Client) newFid(p string) (Fid, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return 0, ErrClosed
	}
	f, ok := c.fids.Get()
	if !ok {
		return 0, ErrFidsExhausted
	}
	c.paths[Fid(f)] = p
	return Fid(f), nil
}

// freeFid retires fid.
func (c *Client) freeFid(fid Fid) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return
	}
	if _, ok := c.paths[fid]; !ok {
		return
	}
	delete(c.paths, fid)
	c.fids.Put(uint64(fid))
}

// Path returns the path fid was last known to have. It is kept for
// diagnostics only and may be wrong after renames done by others.
func (c *Client) Path(fid Fid) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[fid]; ok {
		return p
	}
	return unknownPath
}

func (c *Client) setPath(fid Fid, p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.paths[fid]; ok {
		c.paths[fid] = p
	}
}

// renamed moves the cached path of every fid at or below from to the same
// place below to.
func (c *Client) renamed(from, to string) {
	if from == unknownPath || to == unknownPath {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for fid, p := range c.paths {
		switch {
		case p == from:
			c.paths[fid] = to
		case strings.HasPrefix(p, from+"/"):
			c.paths[fid] = to + p[len(from):]
		}
	}
}
