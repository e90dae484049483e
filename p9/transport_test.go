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
	"io"
	"testing"

	"github.com/hugelgupf/socketpair"
)

func TestSendRecv(t *testing.T) {
	server, client, err := socketpair.TCPPair()
	if err != nil {
		t.Fatalf("socketpair got err %v expected nil", err)
	}
	st := NewTransport(server, DefaultMessageSize)
	ct := NewTransport(client, DefaultMessageSize)
	defer st.Close()
	defer ct.Close()

	frame, err := DotL.Pack(MsgTlopen, Fields{"tag": 1, "fid": 2, "flags": 0})
	if err != nil {
		t.Fatalf("Pack got err %v expected nil", err)
	}
	if err := ct.WriteFrame(frame); err != nil {
		t.Fatalf("WriteFrame got err %v expected nil", err)
	}

	got, err := st.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame got err %v expected nil", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("got frame %x expected %x", got, frame)
	}
	r, err := DotL.Unpack(got, false)
	if err != nil {
		t.Fatalf("Unpack got err %v expected nil", err)
	}
	if typ, _ := MsgTypeOf(r); typ != MsgTlopen {
		t.Fatalf("got message %v expected Tlopen", r)
	}
	if tag := r.Uint("tag"); tag != 1 {
		t.Fatalf("got tag %v expected 1", tag)
	}
}

func TestRecvBadSize(t *testing.T) {
	for _, tt := range []struct {
		name string
		size uint32
		want error
	}{
		{name: "too short", size: 3, want: ErrNoValidMessage},
		{name: "too large", size: 1 << 20, want: ErrMessageTooLarge},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var hdr [4]byte
			binary.LittleEndian.PutUint32(hdr[:], tt.size)
			tr := NewTransport(nopCloser{bytes.NewBuffer(hdr[:])}, 4096)

			_, err := tr.ReadFrame()
			if _, ok := err.(ErrSocket); !ok {
				t.Fatalf("got err %v expected ErrSocket", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("got err %v expected %v", err, tt.want)
			}
		})
	}
}

func TestRecvShort(t *testing.T) {
	frame, err := Plain.Pack(MsgTclunk, Fields{"tag": 1, "fid": 1})
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransport(nopCloser{bytes.NewBuffer(frame[:len(frame)-1])}, 4096)
	if _, err := tr.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got err %v expected %v", err, io.ErrUnexpectedEOF)
	}
}

func TestRecvClosed(t *testing.T) {
	server, client, err := socketpair.TCPPair()
	if err != nil {
		t.Fatalf("socketpair got err %v expected nil", err)
	}
	defer server.Close()
	client.Close()

	_, err = NewTransport(server, DefaultMessageSize).ReadFrame()
	if err == nil {
		t.Fatalf("got err nil expected non-nil")
	}
	if _, ok := err.(ErrSocket); !ok {
		t.Fatalf("got err %v expected ErrSocket", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("got err %v expected %v", err, io.EOF)
	}
}

func TestSendTooLarge(t *testing.T) {
	var buf bytes.Buffer
	tr := NewTransport(nopCloser{&buf}, 4096)
	frame, err := Plain.Pack(MsgTwrite, Fields{"tag": 1, "fid": 1, "offset": 0, "data": make([]byte, 4096)})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteFrame(frame); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("got err %v expected %v", err, ErrMessageTooLarge)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes, expected none", buf.Len())
	}

	tr.SetMaxSize(8192)
	if err := tr.WriteFrame(frame); err != nil {
		t.Fatalf("got err %v expected nil", err)
	}
}

type nopCloser struct {
	io.ReadWriter
}

func (nopCloser) Close() error { return nil }

func BenchmarkSendRecv(b *testing.B) {
	server, client, err := socketpair.TCPPair()
	if err != nil {
		b.Fatalf("socketpair got err %v expected nil", err)
	}
	st := NewTransport(server, DefaultMessageSize)
	ct := NewTransport(client, DefaultMessageSize)
	defer st.Close()
	defer ct.Close()

	// Exchange Rflush messages since these contain no data and therefore incur
	// no additional marshaling overhead.
	go func() {
		for i := 0; i < b.N; i++ {
			frame, err := st.ReadFrame()
			if err != nil {
				b.Errorf("ReadFrame got err %v expected nil", err)
				return
			}
			r, err := DotL.Unpack(frame, false)
			if err != nil {
				b.Errorf("Unpack got err %v expected nil", err)
				return
			}
			reply, err := DotL.Pack(MsgRflush, Fields{"tag": r.Uint("tag") + 1})
			if err != nil {
				b.Errorf("Pack got err %v expected nil", err)
				return
			}
			if err := st.WriteFrame(reply); err != nil {
				b.Errorf("WriteFrame got err %v expected nil", err)
				return
			}
		}
	}()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		frame, err := DotL.Pack(MsgRflush, Fields{"tag": 1})
		if err != nil {
			b.Fatalf("Pack got err %v expected nil", err)
		}
		if err := ct.WriteFrame(frame); err != nil {
			b.Fatalf("WriteFrame got err %v expected nil", err)
		}
		reply, err := ct.ReadFrame()
		if err != nil {
			b.Fatalf("ReadFrame got err %v expected nil", err)
		}
		r, err := DotL.Unpack(reply, false)
		if err != nil {
			b.Fatalf("Unpack got err %v expected nil", err)
		}
		if tag := r.Uint("tag"); tag != 2 {
			b.Fatalf("got tag %v expected 2", tag)
		}
	}
}
