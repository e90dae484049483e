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
	"io"
	"path"
	"strings"

	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/sequencer"
)

// maxWalkElem is the most names one Twalk may carry.
const maxWalkElem = 16

// Fixed sizes of the messages that carry bulk data.
const (
	rreadHeader  = headerLength + 2 + 4
	twriteHeader = headerLength + 2 + 4 + 8 + 4
)

// Dirent is a directory entry.
type Dirent struct {
	QID  QID
	Type uint8
	Name string

	// Offset is the offset to pass to Readdir to continue after this entry.
	Offset uint64
}

func joinPath(base string, names ...string) string {
	if base == unknownPath {
		return unknownPath
	}
	return path.Join(append([]string{base}, names...)...)
}

// Auth allocates an authentication fid and opens it with Tauth.
func (c *Client) Auth(uname, aname string) (Fid, QID, error) {
	afid, err := c.newFid(unknownPath)
	if err != nil {
		return NoFid, QID{}, localErr("auth", err)
	}
	r, err := c.call("auth", MsgTauth, Fields{
		"afid":    afid,
		"uname":   uname,
		"aname":   aname,
		"n_uname": NoUID,
	}, MsgRauth)
	if err != nil {
		c.freeFid(afid)
		return NoFid, QID{}, err
	}
	return afid, QIDFromRecord(r.Record("aqid")), nil
}

// Attach attaches to the file tree aname as uname and returns a fid for its
// root. afid is NoFid when no authentication is done.
func (c *Client) Attach(afid Fid, uname, aname string) (Fid, QID, error) {
	fid, err := c.newFid("/")
	if err != nil {
		return NoFid, QID{}, localErr("attach", err)
	}
	r, err := c.call("attach", MsgTattach, Fields{
		"fid":     fid,
		"afid":    afid,
		"uname":   uname,
		"aname":   aname,
		"n_uname": NoUID,
	}, MsgRattach)
	if err != nil {
		c.freeFid(fid)
		return NoFid, QID{}, err
	}
	return fid, QIDFromRecord(r.Record("qid")), nil
}

// Walk walks from fid through names and returns a new fid for the result,
// along with the qid of every step. With no names it clones fid.
//
// Walks of more than 16 names are split into several Twalks.
func (c *Client) Walk(fid Fid, names ...string) (Fid, []QID, error) {
	newfid, err := c.newFid(joinPath(c.Path(fid), names...))
	if err != nil {
		return NoFid, nil, localErr("walk", err)
	}
	qids, created, err := c.walk(fid, newfid, names)
	if err != nil {
		if created {
			// Clunk also retires newfid locally.
			c.Clunk(newfid, true)
		} else {
			c.freeFid(newfid)
		}
		return NoFid, nil, err
	}
	return newfid, qids, nil
}

// walk walks newfid from fid through names. created reports whether the
// server holds newfid, which is the case once a first chunk succeeded.
func (c *Client) walk(fid, newfid Fid, names []string) (qids []QID, created bool, err error) {
	from := fid
	for {
		n := len(names)
		if n > maxWalkElem {
			n = maxWalkElem
		}
		r, err := c.call("walk", MsgTwalk, Fields{
			"fid":    from,
			"newfid": newfid,
			"wname":  names[:n],
		}, MsgRwalk)
		if err != nil {
			return nil, from == newfid, err
		}

		wqids := r.Array("wqid")
		for _, q := range wqids {
			qids = append(qids, QIDFromRecord(q.(*sequencer.Record)))
		}
		if len(wqids) < n {
			// The server stopped early and left newfid as it was.
			return nil, from == newfid, localErr("walk", fmt.Errorf("%s: %w", names[len(wqids)], linux.ENOENT))
		}

		names = names[n:]
		from = newfid
		if len(names) == 0 {
			return qids, true, nil
		}
	}
}

// Lookup walks from fid along the slash-separated path p.
func (c *Client) Lookup(fid Fid, p string) (Fid, []QID, error) {
	var names []string
	for _, name := range strings.Split(p, "/") {
		if name != "" && name != "." {
			names = append(names, name)
		}
	}
	return c.Walk(fid, names...)
}

// Open opens fid with Topen and returns its qid and iounit.
func (c *Client) Open(fid Fid, mode OpenFlags) (QID, uint32, error) {
	r, err := c.call("open", MsgTopen, Fields{"fid": fid, "mode": uint8(mode)}, MsgRopen)
	if err != nil {
		return QID{}, 0, err
	}
	return QIDFromRecord(r.Record("qid")), uint32(r.Uint("iounit")), nil
}

// Create creates name in the directory fid and opens it with mode. fid
// then refers to the new file.
//
// extension is only sent by 9P2000.u and 9P2000.L, for special files.
func (c *Client) Create(fid Fid, name string, perm uint32, mode OpenFlags, extension string) (QID, uint32, error) {
	r, err := c.call("create", MsgTcreate, Fields{
		"fid":       fid,
		"name":      name,
		"perm":      perm,
		"mode":      uint8(mode),
		"extension": extension,
	}, MsgRcreate)
	if err != nil {
		return QID{}, 0, err
	}
	c.setPath(fid, joinPath(c.Path(fid), name))
	return QIDFromRecord(r.Record("qid")), uint32(r.Uint("iounit")), nil
}

// Lopen opens fid with Linux open flags.
func (c *Client) Lopen(fid Fid, flags uint32) (QID, uint32, error) {
	r, err := c.call("lopen", MsgTlopen, Fields{"fid": fid, "flags": flags}, MsgRlopen)
	if err != nil {
		return QID{}, 0, err
	}
	return QIDFromRecord(r.Record("qid")), uint32(r.Uint("iounit")), nil
}

// Lcreate creates and opens name in the directory fid. fid then refers to
// the new file.
func (c *Client) Lcreate(fid Fid, name string, flags, mode, gid uint32) (QID, uint32, error) {
	r, err := c.call("lcreate", MsgTlcreate, Fields{
		"fid":   fid,
		"name":  name,
		"flags": flags,
		"mode":  mode,
		"gid":   gid,
	}, MsgRlcreate)
	if err != nil {
		return QID{}, 0, err
	}
	c.setPath(fid, joinPath(c.Path(fid), name))
	return QIDFromRecord(r.Record("qid")), uint32(r.Uint("iounit")), nil
}

// Read reads up to count bytes at offset. count is capped so that the
// reply fits in one message. A short or empty read is not an error.
func (c *Client) Read(fid Fid, offset uint64, count uint32) ([]byte, error) {
	if max := c.MessageSize() - rreadHeader; count > max {
		count = max
	}
	r, err := c.call("read", MsgTread, Fields{"fid": fid, "offset": offset, "count": count}, MsgRread)
	if err != nil {
		return nil, err
	}
	return r.Bytes("data"), nil
}

// Write writes data at offset and returns how much the server took. At
// most one message worth of data is sent.
func (c *Client) Write(fid Fid, offset uint64, data []byte) (uint32, error) {
	if max := c.MessageSize() - twriteHeader; uint32(len(data)) > max {
		data = data[:max]
	}
	r, err := c.call("write", MsgTwrite, Fields{"fid": fid, "offset": offset, "data": data}, MsgRwrite)
	if err != nil {
		return 0, err
	}
	return uint32(r.Uint("count")), nil
}

// Readdir reads entries of the open directory fid starting at offset. It
// uses Treaddir under 9P2000.L and reads stat entries otherwise. An empty
// result means the end of the directory.
func (c *Client) Readdir(fid Fid, offset uint64, count uint32) ([]Dirent, error) {
	d := c.Dialect()
	if !d.DotL() {
		return c.readdirStat(d, fid, offset, count)
	}

	if max := c.MessageSize() - rreadHeader; count > max {
		count = max
	}
	r, err := c.call("readdir", MsgTreaddir, Fields{"fid": fid, "offset": offset, "count": count}, MsgRreaddir)
	if err != nil {
		return nil, err
	}
	data := r.Bytes("data")
	var dirents []Dirent
	for off := 0; off < len(data); {
		e, next, err := d.UnpackDirent(data, off, false)
		if err != nil {
			return nil, localErr("readdir", err)
		}
		dirents = append(dirents, Dirent{
			QID:    QIDFromRecord(e.Record("qid")),
			Type:   uint8(e.Uint("type")),
			Name:   e.Str("name"),
			Offset: e.Uint("offset"),
		})
		off = next
	}
	return dirents, nil
}

// readdirStat reads a directory the 9P2000 way: Tread returns whole stat
// entries and offsets are byte offsets into the directory.
func (c *Client) readdirStat(d *Dialect, fid Fid, offset uint64, count uint32) ([]Dirent, error) {
	data, err := c.Read(fid, offset, count)
	if err != nil {
		return nil, err
	}
	var dirents []Dirent
	for off := 0; off < len(data); {
		st, next, err := d.UnpackWirestat(data, off, false)
		if err != nil {
			return nil, localErr("readdir", err)
		}
		q := QIDFromRecord(st.Record("qid"))
		dirents = append(dirents, Dirent{
			QID:    q,
			Type:   uint8(q.Type),
			Name:   st.Str("name"),
			Offset: offset + uint64(next),
		})
		off = next
	}
	return dirents, nil
}

// Stat returns the stat record of fid.
func (c *Client) Stat(fid Fid) (*sequencer.Record, error) {
	r, err := c.call("stat", MsgTstat, Fields{"fid": fid}, MsgRstat)
	if err != nil {
		return nil, err
	}
	st, _, err := c.Dialect().UnpackWirestat(r.Bytes("data"), 0, false)
	if err != nil {
		return nil, localErr("stat", err)
	}
	return st, nil
}

// Wstat changes the attributes of fid to those of stat.
func (c *Client) Wstat(fid Fid, stat *sequencer.Record) error {
	data, err := c.Dialect().PackWirestat(stat)
	if err != nil {
		return localErr("wstat", err)
	}
	_, err = c.call("wstat", MsgTwstat, Fields{"fid": fid, "data": data}, MsgRwstat)
	return err
}

// Getattr returns the Rgetattr reply for the attributes in mask.
func (c *Client) Getattr(fid Fid, mask uint64) (*sequencer.Record, error) {
	return c.call("getattr", MsgTgetattr, Fields{"fid": fid, "request_mask": mask}, MsgRgetattr)
}

// Setattr sets the attributes of fid. fields holds Tsetattr fields such as
// "valid", "mode" and "size"; the ones left out are sent as zero.
func (c *Client) Setattr(fid Fid, fields Fields) error {
	f := Fields{
		"valid": 0, "mode": 0, "uid": 0, "gid": 0, "size": 0,
		"atime_sec": 0, "atime_nsec": 0, "mtime_sec": 0, "mtime_nsec": 0,
	}
	for k, v := range fields {
		f[k] = v
	}
	f["fid"] = fid
	_, err := c.call("setattr", MsgTsetattr, f, MsgRsetattr)
	return err
}

// Statfs returns the Rstatfs reply for the file system holding fid.
func (c *Client) Statfs(fid Fid) (*sequencer.Record, error) {
	return c.call("statfs", MsgTstatfs, Fields{"fid": fid}, MsgRstatfs)
}

// Readlink returns the target of the symlink fid.
func (c *Client) Readlink(fid Fid) (string, error) {
	r, err := c.call("readlink", MsgTreadlink, Fields{"fid": fid}, MsgRreadlink)
	if err != nil {
		return "", err
	}
	return r.Str("target"), nil
}

// Fsync flushes fid to stable storage.
func (c *Client) Fsync(fid Fid) error {
	_, err := c.call("fsync", MsgTfsync, Fields{"fid": fid, "datasync": 0}, MsgRfsync)
	return err
}

// Link creates a hard link called name in directory dfid to fid.
func (c *Client) Link(dfid, fid Fid, name string) error {
	_, err := c.call("link", MsgTlink, Fields{"dfid": dfid, "fid": fid, "name": name}, MsgRlink)
	return err
}

// Symlink creates a symlink called name in directory dfid pointing to
// target.
func (c *Client) Symlink(dfid Fid, name, target string, gid uint32) (QID, error) {
	r, err := c.call("symlink", MsgTsymlink, Fields{
		"fid":    dfid,
		"name":   name,
		"symtgt": target,
		"gid":    gid,
	}, MsgRsymlink)
	if err != nil {
		return QID{}, err
	}
	return QIDFromRecord(r.Record("qid")), nil
}

// Mkdir creates a directory called name in directory dfid.
func (c *Client) Mkdir(dfid Fid, name string, mode, gid uint32) (QID, error) {
	r, err := c.call("mkdir", MsgTmkdir, Fields{
		"dfid": dfid,
		"name": name,
		"mode": mode,
		"gid":  gid,
	}, MsgRmkdir)
	if err != nil {
		return QID{}, err
	}
	return QIDFromRecord(r.Record("qid")), nil
}

// Mknod creates a device node called name in directory dfid.
func (c *Client) Mknod(dfid Fid, name string, mode, major, minor, gid uint32) (QID, error) {
	r, err := c.call("mknod", MsgTmknod, Fields{
		"dfid":  dfid,
		"name":  name,
		"mode":  mode,
		"major": major,
		"minor": minor,
		"gid":   gid,
	}, MsgRmknod)
	if err != nil {
		return QID{}, err
	}
	return QIDFromRecord(r.Record("qid")), nil
}

// Rename moves fid into directory dfid under name.
func (c *Client) Rename(fid, dfid Fid, name string) error {
	if _, err := c.call("rename", MsgTrename, Fields{"fid": fid, "dfid": dfid, "name": name}, MsgRrename); err != nil {
		return err
	}
	c.renamed(c.Path(fid), joinPath(c.Path(dfid), name))
	return nil
}

// Renameat renames oldname in olddir to newname in newdir.
func (c *Client) Renameat(olddir Fid, oldname string, newdir Fid, newname string) error {
	if _, err := c.call("renameat", MsgTrenameat, Fields{
		"olddirfid": olddir,
		"oldname":   oldname,
		"newdirfid": newdir,
		"newname":   newname,
	}, MsgRrenameat); err != nil {
		return err
	}
	c.renamed(joinPath(c.Path(olddir), oldname), joinPath(c.Path(newdir), newname))
	return nil
}

// Remove removes the file fid refers to. fid is retired whether or not the
// removal succeeds; with ignoreErr, failures are not reported.
func (c *Client) Remove(fid Fid, ignoreErr bool) error {
	_, err := c.call("remove", MsgTremove, Fields{"fid": fid}, MsgRremove)
	c.freeFid(fid)
	if ignoreErr {
		return nil
	}
	return err
}

// Unlinkat removes name from directory dfid. flags is 0 or AtRemoveDir.
func (c *Client) Unlinkat(dfid Fid, name string, flags uint32) error {
	_, err := c.call("unlinkat", MsgTunlinkat, Fields{"dirfd": dfid, "name": name, "flags": flags}, MsgRunlinkat)
	return err
}

// Clunk retires fid. The fid is freed locally even if the server fails the
// request; with ignoreErr, failures are not reported.
func (c *Client) Clunk(fid Fid, ignoreErr bool) error {
	_, err := c.call("clunk", MsgTclunk, Fields{"fid": fid}, MsgRclunk)
	c.freeFid(fid)
	if ignoreErr {
		return nil
	}
	return err
}

// XattrWalk returns a new fid from which the extended attribute name of fid
// can be read, and the attribute's size. An empty name lists attributes.
func (c *Client) XattrWalk(fid Fid, name string) (Fid, uint64, error) {
	newfid, err := c.newFid(unknownPath)
	if err != nil {
		return NoFid, 0, localErr("xattrwalk", err)
	}
	r, err := c.call("xattrwalk", MsgTxattrwalk, Fields{"fid": fid, "newfid": newfid, "name": name}, MsgRxattrwalk)
	if err != nil {
		c.freeFid(newfid)
		return NoFid, 0, err
	}
	return newfid, r.Uint("size"), nil
}

// XattrCreate turns fid into a fid to which the extended attribute name
// of size bytes is written.
func (c *Client) XattrCreate(fid Fid, name string, size uint64, flags uint32) error {
	_, err := c.call("xattrcreate", MsgTxattrcreate, Fields{
		"fid":       fid,
		"name":      name,
		"attr_size": size,
		"flags":     flags,
	}, MsgRxattrcreate)
	return err
}

// ReaderAt returns an io.ReaderAt reading the open file fid.
func (c *Client) ReaderAt(fid Fid) io.ReaderAt {
	return &fidReader{c: c, fid: fid}
}

type fidReader struct {
	c   *Client
	fid Fid
}

// ReadAt implements io.ReaderAt.ReadAt.
func (r *fidReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	n := 0
	for n < len(p) {
		want := len(p) - n
		if want > 0xffffffff {
			want = 0xffffffff
		}
		data, err := r.c.Read(r.fid, uint64(off)+uint64(n), uint32(want))
		if err != nil {
			return n, err
		}
		if len(data) == 0 {
			return n, io.EOF
		}
		n += copy(p[n:], data)
	}
	return n, nil
}
