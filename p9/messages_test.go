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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/sequencer"
)

// sampleValue returns a value for f derived from seed.
func sampleValue(t *testing.T, f *sequencer.Field, env sequencer.Env, seed int) interface{} {
	switch f.Kind {
	case sequencer.Uint:
		v := uint64(seed) * 0x0101010101
		if f.Width < 8 {
			v &= 1<<(8*uint(f.Width)) - 1
		}
		return v
	case sequencer.String:
		return fmt.Sprintf("%s-%d", f.Name, seed)
	case sequencer.Data:
		return []byte{byte(seed), 0, 0xff}
	case sequencer.Typed:
		return sampleRecord(t, f.Type, env, seed)
	case sequencer.Array:
		return []interface{}{
			sampleValue(t, f.Elem, env, seed),
			sampleValue(t, f.Elem, env, seed+1),
		}
	}
	t.Fatalf("field %s has unknown kind %v", f.Name, f.Kind)
	return nil
}

// sampleRecord fills every field of st present under env except lengths.
func sampleRecord(t *testing.T, st *sequencer.Type, env sequencer.Env, seed int) *sequencer.Record {
	r := st.New()
	for i, f := range st.Sequencer().Fields() {
		if f.IsLen || !env.Enabled(f.Cond) {
			continue
		}
		if err := r.Set(f.Name, sampleValue(t, &f, env, seed+i)); err != nil {
			t.Fatalf("%s.Set(%s) = %v", st, f.Name, err)
		}
	}
	return r
}

func TestEncodeDecode(t *testing.T) {
	for _, d := range dialects {
		types := d.Messages()
		if d.DotL() {
			types = append(types, MsgRlerror)
		}
		for _, typ := range types {
			t.Run(fmt.Sprintf("%s/%s", d, typ), func(t *testing.T) {
				want := sampleRecord(t, msgRegistry.get(typ), d.env, int(typ))
				frame, err := d.Pack(want, nil)
				if err != nil {
					t.Fatalf("Pack = %v", err)
				}
				if got := binary.LittleEndian.Uint32(frame); int(got) != len(frame) {
					t.Errorf("size field = %d, frame is %d bytes", got, len(frame))
				}
				if MsgType(frame[4]) != typ {
					t.Errorf("fcall = %d, want %d", frame[4], typ)
				}

				got, err := d.Unpack(frame, false)
				if err != nil {
					t.Fatalf("Unpack = %v", err)
				}
				for _, f := range got.Type().Sequencer().Fields() {
					w, ok := want.Get(f.Name)
					if !ok {
						continue
					}
					if g, _ := got.Get(f.Name); !reflect.DeepEqual(g, w) {
						t.Errorf("field %s = %v, want %v", f.Name, g, w)
					}
				}

				again, err := d.Pack(got, nil)
				if err != nil {
					t.Fatalf("Pack(decoded) = %v", err)
				}
				if !bytes.Equal(again, frame) {
					t.Errorf("Pack(decoded) = %x, want %x", again, frame)
				}
			})
		}
	}
}

func TestFraming(t *testing.T) {
	got, err := DotU.Pack(MsgTversion, Fields{"tag": 1, "msize": 1000, "version": "!"})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		14, 0, 0, 0, // size
		100,  // Tversion
		1, 0, // tag
		0xe8, 0x03, 0, 0, // msize
		1, 0, '!', // version
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func TestAutoVersion(t *testing.T) {
	for _, d := range dialects {
		frame, err := d.Pack(MsgTversion, Fields{"tag": NoTag, "msize": 8192})
		if err != nil {
			t.Fatal(err)
		}
		r, err := d.Unpack(frame, false)
		if err != nil {
			t.Fatal(err)
		}
		if got := r.Str("version"); got != d.Name() {
			t.Errorf("%s: version = %q, want %q", d, got, d.Name())
		}
	}
}

func TestErrorReply(t *testing.T) {
	frame, err := DotL.Error(5, linux.ENOENT)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{11, 0, 0, 0, 7, 5, 0, 2, 0, 0, 0}; !bytes.Equal(frame, want) {
		t.Errorf("DotL.Error = %x, want %x", frame, want)
	}

	frame, err = Plain.Error(5, linux.ENOENT)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Plain.Unpack(frame, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Str("errstr"), linux.ENOENT.Error(); got != want {
		t.Errorf("Plain.Error errstr = %q, want %q", got, want)
	}
	if r.IsSet("errnum") {
		t.Errorf("Plain.Error carries errnum %d", r.Uint("errnum"))
	}
	if tail := frame[len(frame)-len(linux.ENOENT.Error()):]; string(tail) != linux.ENOENT.Error() {
		t.Errorf("Plain.Error ends in %q, want %q", tail, linux.ENOENT.Error())
	}

	frame, err = DotU.Error(5, fmt.Errorf("open foo: %w", linux.EACCES))
	if err != nil {
		t.Fatal(err)
	}
	r, err = DotU.Unpack(frame, false)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := r.Str("errstr"), "open foo: "+linux.EACCES.Error(); got != want {
		t.Errorf("DotU.Error errstr = %q, want %q", got, want)
	}
	if got := linux.Errno(r.Uint("errnum")); got != linux.EACCES {
		t.Errorf("DotU.Error errnum = %v, want %v", got, linux.EACCES)
	}
}

func TestUnpackShort(t *testing.T) {
	frame, err := Plain.Pack(MsgTclunk, Fields{"tag": 3, "fid": 7})
	if err != nil {
		t.Fatal(err)
	}
	short := frame[:len(frame)-2]

	var se *sequencer.SequenceError
	if _, err := Plain.Unpack(short, false); !errors.As(err, &se) {
		t.Errorf("Unpack(short) = %v, want SequenceError", err)
	} else if se.Field != "fid" {
		t.Errorf("Unpack(short) failed on field %q, want fid", se.Field)
	}

	r, err := Plain.Unpack(short, true)
	if err != nil {
		t.Fatalf("Unpack(short, noerror) = %v", err)
	}
	if got := r.Uint("tag"); got != 3 {
		t.Errorf("tag = %d, want 3", got)
	}
	if r.IsSet("fid") {
		t.Errorf("fid is set to %d, want unset", r.Uint("fid"))
	}
}

func TestUnpackHeaderOnly(t *testing.T) {
	// Four bytes carry no message type, which noerror cannot paper over.
	for _, noerror := range []bool{false, true} {
		var se *sequencer.SequenceError
		if _, err := Plain.Unpack([]byte{4, 0, 0, 0}, noerror); !errors.As(err, &se) {
			t.Errorf("Unpack(4 bytes, %v) = %v, want SequenceError", noerror, err)
		}
	}

	frame := []byte{5, 0, 0, 0, byte(MsgTversion)}
	if _, err := Plain.Unpack(frame, false); err == nil {
		t.Errorf("Unpack(bare Tversion) = nil, want error")
	}
	r, err := Plain.Unpack(frame, true)
	if err != nil {
		t.Fatalf("Unpack(bare Tversion, noerror) = %v", err)
	}
	if got, _ := MsgTypeOf(r); got != MsgTversion {
		t.Errorf("type = %s, want %s", got, MsgTversion)
	}
	for _, name := range []string{"tag", "msize", "version"} {
		if r.IsSet(name) {
			t.Errorf("%s is set, want unset", name)
		}
	}
}

func TestUnpackLong(t *testing.T) {
	frame, err := Plain.Pack(MsgTclunk, Fields{"tag": 3, "fid": 7})
	if err != nil {
		t.Fatal(err)
	}
	long := append(frame, 0xaa, 0xbb)

	if _, err := Plain.Unpack(long, false); err == nil {
		t.Errorf("Unpack(long) = nil, want error")
	}
	r, err := Plain.Unpack(long, true)
	if err != nil {
		t.Fatalf("Unpack(long, noerror) = %v", err)
	}
	if got := r.Uint("fid"); got != 7 {
		t.Errorf("fid = %d, want 7", got)
	}
}

func TestUnpackUnsupported(t *testing.T) {
	frame, err := DotL.Pack(MsgTlopen, Fields{"tag": 1, "fid": 1, "flags": 0})
	if err != nil {
		t.Fatal(err)
	}
	for _, noerror := range []bool{false, true} {
		if _, err := Plain.Unpack(frame, noerror); err == nil {
			t.Errorf("Plain.Unpack(Tlopen, %v) = nil, want error", noerror)
		}
	}

	lerror, err := DotL.Pack(MsgRlerror, Fields{"tag": 1, "ecode": 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DotU.Unpack(lerror, true); err == nil {
		t.Errorf("DotU.Unpack(Rlerror) = nil, want error")
	}

	unknown := []byte{7, 0, 0, 0, 0, 1, 0}
	if _, err := DotL.Unpack(unknown, true); err == nil {
		t.Errorf("Unpack(type 0) = nil, want error")
	}

	if _, _, err := UnpackHeader([]byte{5, 0, 0}); err == nil {
		t.Errorf("UnpackHeader(3 bytes) = nil, want error")
	}
}

func TestPackErrors(t *testing.T) {
	if _, err := Plain.Pack(MsgTlopen, Fields{"tag": 1, "fid": 1, "flags": 0}); !errors.Is(err, ErrUnsupportedMessage) {
		t.Errorf("Plain.Pack(Tlopen) = %v, want %v", err, ErrUnsupportedMessage)
	}
	if _, err := Plain.Pack("Tbogus", nil); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Pack(Tbogus) = %v, want %v", err, ErrUnknownMessage)
	}
	if _, err := Plain.Pack(MsgTclunk, Fields{"tag": 1}); err == nil {
		t.Errorf("Pack(Tclunk without fid) = nil, want error")
	}
	if _, err := Plain.Pack(MsgTclunk, Fields{"tag": 1, "fid": 1, "bogus": 1}); err == nil {
		t.Errorf("Pack(Tclunk with bogus field) = nil, want error")
	}
	if _, err := Plain.Pack(MsgTclunk, Fields{"tag": 1 << 16, "fid": 1}); err == nil {
		t.Errorf("Pack(Tclunk with 17-bit tag) = nil, want error")
	}
}

func TestPackRecordNotMutated(t *testing.T) {
	r, err := msgRegistry.get(MsgTclunk).NewRecord(Fields{"tag": 1, "fid": 2})
	if err != nil {
		t.Fatal(err)
	}
	frame, err := Plain.Pack(r, Fields{"tag": 9})
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Uint("tag"); got != 1 {
		t.Errorf("record tag = %d after Pack, want 1", got)
	}
	got, err := Plain.Unpack(frame, false)
	if err != nil {
		t.Fatal(err)
	}
	if tag := got.Uint("tag"); tag != 9 {
		t.Errorf("packed tag = %d, want 9", tag)
	}
}

func TestResolve(t *testing.T) {
	for _, fcall := range []interface{}{
		MsgTversion, "Tversion", "tversion", "TVERSION", 100, uint8(100), uint32(100), uint64(100),
		msgRegistry.get(MsgTversion).New(),
	} {
		got, err := resolve(fcall)
		if err != nil || got != MsgTversion {
			t.Errorf("resolve(%v) = %v, %v, want Tversion", fcall, got, err)
		}
	}
	for _, fcall := range []interface{}{
		"Tbogus", 0, -1, 256, uint32(1 << 20), MsgType(99), 3.5, msgRegistry.qid.New(),
	} {
		if _, err := resolve(fcall); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("resolve(%v) = %v, want %v", fcall, err, ErrUnknownMessage)
		}
	}
}

func TestMessageStrings(t *testing.T) {
	for typ, want := range map[MsgType]string{
		MsgTversion: "Tversion",
		MsgRlerror:  "Rlerror",
		MsgRwstat:   "Rwstat",
		MsgType(0):  "MsgType(0)",
	} {
		if got := typ.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestQID(t *testing.T) {
	q := QID{Type: TypeDir, Version: 2, Path: 3}
	if got := QIDFromRecord(q.Record()); got != q {
		t.Errorf("got %v, want %v", got, q)
	}
	b, err := msgRegistry.qid.Pack(q.Record(), Plain.env)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 13 {
		t.Errorf("qid is %d bytes, want 13", len(b))
	}
	if got := QIDFromRecord(nil); got != (QID{}) {
		t.Errorf("QIDFromRecord(nil) = %v, want zero", got)
	}
}

func newTestStat(t *testing.T, name string) *sequencer.Record {
	st, err := NewStat(Fields{
		"type": 0, "dev": 0, "qid": QID{Path: 1}.Record(), "mode": 0o644,
		"atime": 1, "mtime": 2, "length": 3, "name": name,
		"uid": "u", "gid": "g", "muid": "m",
		"extension": "", "n_uid": 1, "n_gid": 2, "n_muid": 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestWirestat(t *testing.T) {
	for _, d := range []*Dialect{Plain, DotU} {
		var b []byte
		for _, name := range []string{"a", "bb"} {
			ws, err := d.PackWirestat(newTestStat(t, name))
			if err != nil {
				t.Fatal(err)
			}
			b = append(b, ws...)
		}

		var names []string
		for off := 0; off < len(b); {
			st, next, err := d.UnpackWirestat(b, off, false)
			if err != nil {
				t.Fatalf("%s: UnpackWirestat(%d) = %v", d, off, err)
			}
			names = append(names, st.Str("name"))
			if d.DotU() && st.Uint("n_muid") != 3 {
				t.Errorf("%s: n_muid = %d, want 3", d, st.Uint("n_muid"))
			}
			off = next
		}
		if want := []string{"a", "bb"}; !reflect.DeepEqual(names, want) {
			t.Errorf("%s: names = %v, want %v", d, names, want)
		}

		// A truncated stat decodes as far as it goes.
		st, _, err := d.UnpackWirestat(b[:20], 0, true)
		if err != nil {
			t.Fatalf("%s: UnpackWirestat(truncated, noerror) = %v", d, err)
		}
		if st.IsSet("name") {
			t.Errorf("%s: truncated stat has name %q", d, st.Str("name"))
		}
		if _, _, err := d.UnpackWirestat(b[:20], 0, false); err == nil {
			t.Errorf("%s: UnpackWirestat(truncated) = nil, want error", d)
		}
	}
}

func TestDirents(t *testing.T) {
	var b []byte
	for i, name := range []string{"x", "yy", "zzz"} {
		e, err := NewDirent(Fields{"qid": QID{Path: uint64(i)}.Record(), "offset": i + 1, "type": 0, "name": name})
		if err != nil {
			t.Fatal(err)
		}
		p, err := DotL.PackDirent(e)
		if err != nil {
			t.Fatal(err)
		}
		if want := 13 + 8 + 1 + 2 + len(name); len(p) != want {
			t.Errorf("dirent %q is %d bytes, want %d", name, len(p), want)
		}
		b = append(b, p...)
	}

	var offsets []uint64
	for off := 0; off < len(b); {
		e, next, err := DotL.UnpackDirent(b, off, false)
		if err != nil {
			t.Fatal(err)
		}
		offsets = append(offsets, e.Uint("offset"))
		off = next
	}
	if want := []uint64{1, 2, 3}; !reflect.DeepEqual(offsets, want) {
		t.Errorf("offsets = %v, want %v", offsets, want)
	}
}
