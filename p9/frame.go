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

	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/sequencer"
)

// Fields holds message field values by name, as accepted by Pack.
type Fields = map[string]interface{}

const (
	// headerLength is the number of bytes before the message payload:
	// size[4] fcall[1].
	headerLength = 4 + 1

	// NoTag is the tag reserved for Tversion.
	NoTag uint16 = 0xffff
)

// Pack encodes a whole frame, size[4] fcall[1] payload.
//
// fcall is a MsgType, an integer opcode, a message name (any case) or a
// *sequencer.Record of a message type. For a record, fields are applied to
// a copy of it; the record itself is not modified.
func (d *Dialect) Pack(fcall interface{}, fields Fields) ([]byte, error) {
	t, err := resolve(fcall)
	if err != nil {
		return nil, err
	}
	if !d.accepted(t) {
		return nil, fmt.Errorf("%w: %s in %s", ErrUnsupportedMessage, t, d)
	}
	st := msgRegistry.get(t)

	var r *sequencer.Record
	if base, ok := fcall.(*sequencer.Record); ok {
		r = base.Clone()
		for k, v := range fields {
			if err := r.Set(k, v); err != nil {
				return nil, err
			}
		}
	} else if r, err = st.NewRecord(fields); err != nil {
		return nil, err
	}

	// Leave room for the size, filled in below.
	buf := make([]byte, 4, 64)
	buf = append(buf, uint8(t))
	buf, err = st.Append(buf, r, d.env)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) > 0xffffffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(buf))
	}
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))
	return buf, nil
}

// UnpackHeader splits a frame into its message type and payload. The size
// field is implied by the length of frame and is not checked.
func UnpackHeader(frame []byte) (MsgType, []byte, error) {
	if len(frame) < headerLength {
		return 0, nil, &sequencer.SequenceError{Type: "frame", Field: "fcall", Msg: fmt.Sprintf("frame of %d bytes has no message type", len(frame))}
	}
	return MsgType(frame[4]), frame[headerLength:], nil
}

// Unpack decodes a whole frame.
//
// With noerror, short and over-long payloads decode as far as they go. A
// message type d cannot decode is an error in either mode.
func (d *Dialect) Unpack(frame []byte, noerror bool) (*sequencer.Record, error) {
	t, payload, err := UnpackHeader(frame)
	if err != nil {
		return nil, err
	}
	st := msgRegistry.get(t)
	if st == nil {
		return nil, &sequencer.SequenceError{Type: "frame", Field: "fcall", Msg: fmt.Sprintf("unknown message type %d", t)}
	}
	if !d.accepted(t) {
		return nil, &sequencer.SequenceError{Type: "frame", Field: "fcall", Msg: fmt.Sprintf("%s not supported by %s", t, d)}
	}
	r, _, err := st.Unpack(payload, d.env, noerror)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Error packs the error reply for err: Rlerror with a Linux errno under
// 9P2000.L, Rerror with the text under 9P2000, and Rerror with both text
// and errno under 9P2000.u.
func (d *Dialect) Error(tag uint16, err error) ([]byte, error) {
	errno := linux.ExtractErrno(err)
	switch {
	case d.DotL():
		return d.Pack(MsgRlerror, Fields{"tag": tag, "ecode": uint32(errno)})
	case d.DotU():
		return d.Pack(MsgRerror, Fields{"tag": tag, "errstr": err.Error(), "errnum": uint32(errno)})
	default:
		return d.Pack(MsgRerror, Fields{"tag": tag, "errstr": err.Error()})
	}
}

// MsgTypeOf returns the message type of r, which must be a message record.
func MsgTypeOf(r *sequencer.Record) (MsgType, bool) {
	t, err := resolve(r)
	return t, err == nil
}

// NewStat returns a stat record with the given fields set.
func NewStat(fields Fields) (*sequencer.Record, error) {
	return msgRegistry.stat.NewRecord(fields)
}

// PackWirestat encodes stat as size[2] stat, the form used by Rstat, Twstat
// and directory reads.
func (d *Dialect) PackWirestat(stat *sequencer.Record) ([]byte, error) {
	b, err := msgRegistry.stat.Pack(stat, d.env)
	if err != nil {
		return nil, err
	}
	ws := msgRegistry.wirestat.New()
	if err := ws.Set("data", b); err != nil {
		return nil, err
	}
	return msgRegistry.wirestat.Pack(ws, d.env)
}

// UnpackWirestat decodes the size-prefixed stat at b[off:] and returns it
// with the offset of the next one.
//
// With noerror, a truncated stat decodes as far as it goes and the returned
// offset is still where the stat would end, so callers can keep iterating.
func (d *Dialect) UnpackWirestat(b []byte, off int, noerror bool) (*sequencer.Record, int, error) {
	ws, next, err := msgRegistry.wirestat.UnpackFrom(b, off, d.env, noerror)
	if err != nil {
		return nil, 0, err
	}
	data := ws.Bytes("data")
	if data == nil {
		// Truncated: decode what is there.
		if off+2 < len(b) {
			data = b[off+2:]
		}
	}
	stat, _, err := msgRegistry.stat.Unpack(data, d.env, noerror)
	if err != nil {
		return nil, 0, err
	}
	return stat, next, nil
}

// NewDirent returns a dirent record with the given fields set.
func NewDirent(fields Fields) (*sequencer.Record, error) {
	return msgRegistry.dirent.NewRecord(fields)
}

// PackDirent encodes one 9P2000.L directory entry as carried in Rreaddir.
func (d *Dialect) PackDirent(dirent *sequencer.Record) ([]byte, error) {
	return msgRegistry.dirent.Pack(dirent, d.env)
}

// UnpackDirent decodes the directory entry at b[off:] and returns it with
// the offset of the next one.
func (d *Dialect) UnpackDirent(b []byte, off int, noerror bool) (*sequencer.Record, int, error) {
	return msgRegistry.dirent.UnpackFrom(b, off, d.env, noerror)
}

// QIDType is the type byte of a QID.
type QIDType uint8

// QID types.
const (
	TypeDir        QIDType = 0x80
	TypeAppendOnly QIDType = 0x40
	TypeExclusive  QIDType = 0x20
	TypeMount      QIDType = 0x10
	TypeAuth       QIDType = 0x08
	TypeTemporary  QIDType = 0x04
	TypeSymlink    QIDType = 0x02
	TypeLink       QIDType = 0x01
	TypeRegular    QIDType = 0x00
)

// QID is a server's unique identification of a file.
type QID struct {
	Type    QIDType
	Version uint32
	Path    uint64
}

// String implements fmt.Stringer.
func (q QID) String() string {
	return fmt.Sprintf("QID{Type: %d, Version: %d, Path: %d}", q.Type, q.Version, q.Path)
}

// QIDFromRecord converts a decoded qid record. A nil record gives the zero
// QID.
func QIDFromRecord(r *sequencer.Record) QID {
	if r == nil {
		return QID{}
	}
	return QID{
		Type:    QIDType(r.Uint("type")),
		Version: uint32(r.Uint("version")),
		Path:    r.Uint("path"),
	}
}

// Record returns q as a qid record, for use as a field value.
func (q QID) Record() *sequencer.Record {
	r := msgRegistry.qid.New()
	r.Set("type", uint8(q.Type))
	r.Set("version", q.Version)
	r.Set("path", q.Path)
	return r
}

// Mode bits of stat and Tcreate permissions.
const (
	DMDIR       = 0x80000000
	DMAPPEND    = 0x40000000
	DMEXCL      = 0x20000000
	DMMOUNT     = 0x10000000
	DMAUTH      = 0x08000000
	DMTMP       = 0x04000000
	DMSYMLINK   = 0x02000000
	DMDEVICE    = 0x00800000
	DMNAMEDPIPE = 0x00200000
	DMSOCKET    = 0x00100000
	DMSETUID    = 0x00080000
	DMSETGID    = 0x00040000
)

// OpenFlags is the mode of Topen and Tcreate, and the flags of Tlopen and
// Tlcreate.
type OpenFlags uint32

// Open modes.
const (
	ReadOnly  OpenFlags = 0
	WriteOnly OpenFlags = 1
	ReadWrite OpenFlags = 2
	Exec      OpenFlags = 3

	// OpenTruncate is only valid for Topen and Tcreate.
	OpenTruncate OpenFlags = 0x10
)

// Linux mode bits of Tlcreate, Tmkdir and Rgetattr.
const (
	ModeDirectory uint32 = 0o40000
	ModeRegular   uint32 = 0o100000
	ModeSymlink   uint32 = 0o120000
)

// Unlinkat flags.
const (
	AtRemoveDir = 0x200
)

// Getattr request masks.
const (
	GetattrMode   uint64 = 0x00000001
	GetattrNlink  uint64 = 0x00000002
	GetattrUID    uint64 = 0x00000004
	GetattrGID    uint64 = 0x00000008
	GetattrRdev   uint64 = 0x00000010
	GetattrAtime  uint64 = 0x00000020
	GetattrMtime  uint64 = 0x00000040
	GetattrCtime  uint64 = 0x00000080
	GetattrIno    uint64 = 0x00000100
	GetattrSize   uint64 = 0x00000200
	GetattrBlocks uint64 = 0x00000400
	GetattrBasic  uint64 = 0x000007ff
	GetattrAll    uint64 = 0x00003fff
)

// Setattr valid masks.
const (
	SetattrMode     uint32 = 0x00000001
	SetattrUID      uint32 = 0x00000002
	SetattrGID      uint32 = 0x00000004
	SetattrSize     uint32 = 0x00000008
	SetattrAtime    uint32 = 0x00000010
	SetattrMtime    uint32 = 0x00000020
	SetattrCtime    uint32 = 0x00000040
	SetattrAtimeSet uint32 = 0x00000080
	SetattrMtimeSet uint32 = 0x00000100
)

// NoUID is the "no user" value of numeric user fields.
const NoUID uint32 = 0xffffffff
