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

package staticfs

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/hugelgupf/p9client/fsimpl/readdir"
	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/p9"
	"github.com/hugelgupf/p9client/sequencer"
	"golang.org/x/sync/errgroup"
)

// iounit is the I/O unit reported by open.
const iounit = 4096

// Sizes of the reply headers in front of read and readdir data.
const rreadHeader = 4 + 1 + 2 + 4

// V9FS_MAGIC.
const statfsType = 0x01021997

// Lock types.
const lockUnlocked = 2

type fidRef struct {
	n      *node
	opened bool
}

// connState is the state of one client connection.
type connState struct {
	s *Server
	t p9.Transport

	// wmu serializes replies.
	wmu sync.Mutex

	mu sync.Mutex

	// dialect is nil until the first Tversion.
	dialect *p9.Dialect
	msize   uint32
	fids    map[uint64]*fidRef
}

// ServeConn serves 9P over conn until it is closed.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	return s.Serve(p9.NewTransport(conn, s.maxMessageSize))
}

// Serve serves requests from t until t fails or is closed. Requests are
// handled concurrently; Tversion waits for everything before it.
//
// A clean end of the connection returns nil.
func (s *Server) Serve(t p9.Transport) error {
	defer t.Close()
	cs := &connState{
		s:    s,
		t:    t,
		fids: make(map[uint64]*fidRef),
	}

	var g errgroup.Group
	for {
		frame, err := t.ReadFrame()
		if err != nil {
			werr := g.Wait()
			if errors.Is(err, io.EOF) {
				return werr
			}
			return err
		}

		if typ, _, _ := p9.UnpackHeader(frame); typ == p9.MsgTversion {
			if err := g.Wait(); err != nil {
				return err
			}
			reply, err := cs.version(frame)
			if err != nil {
				return err
			}
			if err := cs.send(reply); err != nil {
				return err
			}
			continue
		}
		g.Go(func() error {
			return cs.handleRequest(frame)
		})
	}
}

func (cs *connState) send(reply []byte) error {
	cs.wmu.Lock()
	defer cs.wmu.Unlock()
	return cs.t.WriteFrame(reply)
}

// version handles Tversion and starts a new session.
func (cs *connState) version(frame []byte) ([]byte, error) {
	// "If the server does not understand the client's version string, it
	// should respond with an Rversion message (not Rerror) with the
	// version string the 7 characters "unknown"".
	//
	// - version(5), Plan 9 manual.
	r, err := p9.Plain.Unpack(frame, false)
	if err != nil {
		cs.s.log.Printf("staticfs: bad Tversion: %v", err)
		return p9.Plain.Pack(p9.MsgRversion, p9.Fields{"tag": p9.NoTag, "msize": 0, "version": "unknown"})
	}
	tag := r.Uint("tag")
	msize := uint32(r.Uint("msize"))
	if msize > cs.s.maxMessageSize {
		msize = cs.s.maxMessageSize
	}

	d, err := p9.LookupDialect(r.Str("version"))
	// A message size that leaves no room for read data cannot work.
	if err != nil || msize <= rreadHeader {
		cs.s.log.Printf("staticfs: refusing version %q with message size %d", r.Str("version"), msize)
		return p9.Plain.Pack(p9.MsgRversion, p9.Fields{"tag": tag, "msize": msize, "version": "unknown"})
	}
	if d.Ordinal() > cs.s.maxDialect.Ordinal() {
		d = cs.s.maxDialect
	}

	cs.mu.Lock()
	cs.dialect = d
	cs.msize = msize
	cs.fids = make(map[uint64]*fidRef)
	cs.mu.Unlock()
	if ms, ok := cs.t.(interface{ SetMaxSize(uint32) }); ok {
		ms.SetMaxSize(msize)
	}
	cs.s.log.Printf("staticfs: session started with %s and message size %d", d, msize)
	return d.Pack(p9.MsgRversion, p9.Fields{"tag": tag, "msize": msize, "version": d.Name()})
}

// handleRequest answers one request. Only transport failures are returned.
func (cs *connState) handleRequest(frame []byte) error {
	cs.mu.Lock()
	d := cs.dialect
	cs.mu.Unlock()
	if d == nil {
		cs.s.log.Printf("staticfs: dropping request before Tversion")
		return nil
	}

	var reply []byte
	r, err := d.Unpack(frame, false)
	if err != nil {
		cs.s.log.Printf("staticfs: bad request: %v", err)
		if len(frame) < 7 {
			return nil
		}
		reply, err = d.Error(binary.LittleEndian.Uint16(frame[5:]), linux.EINVAL)
	} else {
		reply, err = cs.reply(d, r)
	}
	if err != nil {
		return err
	}
	return cs.send(reply)
}

func (cs *connState) reply(d *p9.Dialect, r *sequencer.Record) ([]byte, error) {
	tag := uint16(r.Uint("tag"))
	typ, _ := p9.MsgTypeOf(r)
	rtyp, fields, err := cs.handle(d, typ, r)
	if err != nil {
		return d.Error(tag, err)
	}
	fields["tag"] = tag
	return d.Pack(rtyp, fields)
}

func (cs *connState) lookup(fid uint64) (*fidRef, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ref, ok := cs.fids[fid]
	if !ok {
		return nil, linux.EBADF
	}
	return ref, nil
}

func (cs *connState) clunk(fid uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.fids[fid]; !ok {
		return linux.EBADF
	}
	delete(cs.fids, fid)
	return nil
}

// handle dispatches one request and returns the reply type and fields.
func (cs *connState) handle(d *p9.Dialect, typ p9.MsgType, r *sequencer.Record) (p9.MsgType, p9.Fields, error) {
	switch typ {
	case p9.MsgTauth:
		return 0, nil, linux.ENOSYS

	case p9.MsgTattach:
		cs.mu.Lock()
		defer cs.mu.Unlock()
		fid := r.Uint("fid")
		if _, ok := cs.fids[fid]; ok {
			return 0, nil, linux.EBADF
		}
		cs.fids[fid] = &fidRef{n: cs.s.root}
		return p9.MsgRattach, p9.Fields{"qid": cs.s.root.qid.Record()}, nil

	case p9.MsgTflush:
		return p9.MsgRflush, p9.Fields{}, nil

	case p9.MsgTwalk:
		return cs.walk(r)

	case p9.MsgTopen:
		mode := p9.OpenFlags(r.Uint("mode"))
		if mode&p9.OpenTruncate != 0 || (mode&3 != p9.ReadOnly && mode&3 != p9.Exec) {
			return 0, nil, linux.EROFS
		}
		qid, err := cs.open(r.Uint("fid"))
		if err != nil {
			return 0, nil, err
		}
		return p9.MsgRopen, p9.Fields{"qid": qid.Record(), "iounit": iounit}, nil

	case p9.MsgTlopen:
		// O_ACCMODE, O_CREAT and O_TRUNC.
		if flags := r.Uint("flags"); flags&(3|0o100|0o1000) != 0 {
			return 0, nil, linux.EROFS
		}
		qid, err := cs.open(r.Uint("fid"))
		if err != nil {
			return 0, nil, err
		}
		return p9.MsgRlopen, p9.Fields{"qid": qid.Record(), "iounit": iounit}, nil

	case p9.MsgTread:
		data, err := cs.read(d, r.Uint("fid"), r.Uint("offset"), uint32(r.Uint("count")))
		if err != nil {
			return 0, nil, err
		}
		return p9.MsgRread, p9.Fields{"data": data}, nil

	case p9.MsgTreaddir:
		data, err := cs.readdir(d, r.Uint("fid"), r.Uint("offset"), uint32(r.Uint("count")))
		if err != nil {
			return 0, nil, err
		}
		return p9.MsgRreaddir, p9.Fields{"data": data}, nil

	case p9.MsgTstat:
		ref, err := cs.lookup(r.Uint("fid"))
		if err != nil {
			return 0, nil, err
		}
		st, err := ref.n.stat()
		if err != nil {
			return 0, nil, err
		}
		b, err := d.PackWirestat(st)
		if err != nil {
			return 0, nil, err
		}
		// The stat keeps its own size inside nstat.
		return p9.MsgRstat, p9.Fields{"data": b}, nil

	case p9.MsgTgetattr:
		ref, err := cs.lookup(r.Uint("fid"))
		if err != nil {
			return 0, nil, err
		}
		return p9.MsgRgetattr, getattr(ref.n, r.Uint("request_mask")), nil

	case p9.MsgTstatfs:
		if _, err := cs.lookup(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return p9.MsgRstatfs, p9.Fields{
			"type":    statfsType,
			"bsize":   iounit,
			"blocks":  0,
			"bfree":   0,
			"bavail":  0,
			"files":   0,
			"ffree":   0,
			"fsid":    0,
			"namelen": 255,
		}, nil

	case p9.MsgTreadlink:
		ref, err := cs.lookup(r.Uint("fid"))
		if err != nil {
			return 0, nil, err
		}
		if ref.n.qid.Type != p9.TypeSymlink {
			return 0, nil, linux.EINVAL
		}
		return p9.MsgRreadlink, p9.Fields{"target": ref.n.target}, nil

	case p9.MsgTfsync:
		if _, err := cs.lookup(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return p9.MsgRfsync, p9.Fields{}, nil

	case p9.MsgTxattrwalk:
		if _, err := cs.lookup(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return 0, nil, linux.ENODATA

	case p9.MsgTlock:
		if _, err := cs.lookup(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		// Nothing can be written, so every lock is granted.
		return p9.MsgRlock, p9.Fields{"status": 0}, nil

	case p9.MsgTgetlock:
		if _, err := cs.lookup(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return p9.MsgRgetlock, p9.Fields{
			"type":      lockUnlocked,
			"start":     r.Uint("start"),
			"length":    r.Uint("length"),
			"proc_id":   r.Uint("proc_id"),
			"client_id": r.Str("client_id"),
		}, nil

	case p9.MsgTclunk:
		if err := cs.clunk(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return p9.MsgRclunk, p9.Fields{}, nil

	case p9.MsgTremove:
		// Tremove clunks the fid even when the remove fails.
		if err := cs.clunk(r.Uint("fid")); err != nil {
			return 0, nil, err
		}
		return 0, nil, linux.EROFS

	case p9.MsgTwrite, p9.MsgTcreate, p9.MsgTwstat,
		p9.MsgTlcreate, p9.MsgTsymlink, p9.MsgTmknod, p9.MsgTmkdir,
		p9.MsgTlink, p9.MsgTrename, p9.MsgTrenameat, p9.MsgTunlinkat,
		p9.MsgTsetattr, p9.MsgTxattrcreate:
		return 0, nil, linux.EROFS

	default:
		return 0, nil, linux.ENOSYS
	}
}

func (cs *connState) walk(r *sequencer.Record) (p9.MsgType, p9.Fields, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	fid, newfid := r.Uint("fid"), r.Uint("newfid")
	ref, ok := cs.fids[fid]
	if !ok || ref.opened {
		return 0, nil, linux.EBADF
	}
	if _, ok := cs.fids[newfid]; ok && newfid != fid {
		return 0, nil, linux.EBADF
	}

	names := r.Array("wname")
	n := ref.n
	qids := make([]*sequencer.Record, 0, len(names))
	for i, name := range names {
		next, err := n.walk(name.(string))
		if err != nil {
			if i == 0 {
				return 0, nil, err
			}
			// A partial walk returns the qids so far and leaves newfid
			// unused.
			break
		}
		n = next
		qids = append(qids, n.qid.Record())
	}
	if len(qids) == len(names) {
		cs.fids[newfid] = &fidRef{n: n}
	}
	return p9.MsgRwalk, p9.Fields{"wqid": qids}, nil
}

func (cs *connState) open(fid uint64) (p9.QID, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	ref, ok := cs.fids[fid]
	if !ok || ref.opened {
		return p9.QID{}, linux.EBADF
	}
	ref.opened = true
	return ref.n.qid, nil
}

// maxCount caps a read count so that the reply fits in one message.
func (cs *connState) maxCount(count uint32) uint32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.msize <= rreadHeader {
		return 0
	}
	if max := cs.msize - rreadHeader; count > max {
		return max
	}
	return count
}

func (cs *connState) openRef(fid uint64) (*node, error) {
	ref, err := cs.lookup(fid)
	if err != nil {
		return nil, err
	}
	if !ref.opened {
		return nil, linux.EBADF
	}
	return ref.n, nil
}

func (cs *connState) read(d *p9.Dialect, fid, offset uint64, count uint32) ([]byte, error) {
	n, err := cs.openRef(fid)
	if err != nil {
		return nil, err
	}
	count = cs.maxCount(count)

	switch n.qid.Type {
	case p9.TypeDir:
		if d.DotL() {
			return nil, linux.EISDIR
		}
		stats := make([]*sequencer.Record, 0, len(n.names))
		for _, name := range n.names {
			st, err := n.children[name].stat()
			if err != nil {
				return nil, err
			}
			stats = append(stats, st)
		}
		return readdir.Stats(d, stats, offset, count)

	case p9.TypeSymlink:
		return nil, linux.EINVAL
	}

	if offset >= uint64(len(n.content)) {
		return []byte{}, nil
	}
	end := offset + uint64(count)
	if end > uint64(len(n.content)) {
		end = uint64(len(n.content))
	}
	return []byte(n.content[offset:end]), nil
}

func (cs *connState) readdir(d *p9.Dialect, fid, offset uint64, count uint32) ([]byte, error) {
	n, err := cs.openRef(fid)
	if err != nil {
		return nil, err
	}
	if !n.isDir() {
		return nil, linux.ENOTDIR
	}
	entries := make([]readdir.Entry, 0, len(n.names))
	for _, name := range n.names {
		entries = append(entries, readdir.Entry{Name: name, QID: n.children[name].qid})
	}
	return readdir.Dirents(d, entries, offset, cs.maxCount(count))
}

func getattr(n *node, mask uint64) p9.Fields {
	var nlink uint64 = 1
	if n.isDir() {
		nlink = 2
	}
	size := n.size()
	if n.isDir() {
		size = 0
	}
	return p9.Fields{
		"valid":        mask & p9.GetattrBasic,
		"qid":          n.qid.Record(),
		"mode":         n.mode(),
		"uid":          0,
		"gid":          0,
		"nlink":        nlink,
		"rdev":         0,
		"size":         size,
		"blksize":      iounit,
		"blocks":       (size + 511) / 512,
		"atime_sec":    0,
		"atime_nsec":   0,
		"mtime_sec":    0,
		"mtime_nsec":   0,
		"ctime_sec":    0,
		"ctime_nsec":   0,
		"btime_sec":    0,
		"btime_nsec":   0,
		"gen":          0,
		"data_version": 0,
	}
}
