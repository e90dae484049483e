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
	"errors"
	"io/fs"
	"testing"

	"github.com/hugelgupf/p9client/fsimpl/test"
	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/p9"
	"github.com/hugelgupf/socketpair"
	"github.com/u-root/uio/ulog/ulogtest"
)

// connect serves s on one end of a socket pair and returns a client on the
// other.
func connect(t *testing.T, s *Server, opts ...p9.ClientOpt) *p9.Client {
	t.Helper()
	serverConn, clientConn, err := socketpair.TCPPair()
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.ServeConn(serverConn) }()

	opts = append([]p9.ClientOpt{p9.WithClientLogger(ulogtest.Logger{TB: t})}, opts...)
	c, err := p9.NewClient(clientConn, opts...)
	if err != nil {
		serverConn.Close()
		t.Fatalf("NewClient = %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		if err := <-done; err != nil {
			t.Logf("Serve = %v", err)
		}
	})
	return c
}

func newServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithServerLogger(ulogtest.Logger{TB: t})}, opts...)
	s, err := New(opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReadOnlyFS(t *testing.T) {
	for _, version := range []string{"9P2000", "9P2000.u", "9P2000.L"} {
		t.Run(version, func(t *testing.T) {
			s := newServer(t, WithFile("foo", "barbarbar"))
			c := connect(t, s, p9.WithVersion(version))
			if got := c.Dialect().Name(); got != version {
				t.Fatalf("Dialect = %s, want %s", got, version)
			}
			test.TestReadOnlyFS(t, c)
		})
	}
}

func TestFilesMatch(t *testing.T) {
	for _, version := range []string{"9P2000", "9P2000.u", "9P2000.L"} {
		t.Run(version, func(t *testing.T) {
			s := newServer(t,
				WithFile("foo.txt", "barbarbar"),
				WithFile("baz.txt", "barbarbarbar"),
				WithFile("dir/nested.txt", "nested"),
				WithDir("empty"),
				WithSymlink("link", "foo.txt"),
			)
			c := connect(t, s, p9.WithVersion(version))

			test.TestReadOnlyFS(t, c,
				test.WithFile("foo.txt", "barbarbar"),
				test.WithFile("baz.txt", "barbarbarbar"),
				test.WithFile("dir/nested.txt", "nested"),
				test.WithSymlink("link", "foo.txt"),
				test.WithDir("", "foo.txt", "baz.txt", "dir", "empty", "link"),
				test.WithDir("dir", "nested.txt"),
				test.WithDir("empty"),
			)
		})
	}
}

func TestLargeDirectory(t *testing.T) {
	var opts []Option
	var want []string
	for i := 0; i < 200; i++ {
		name := string(rune('a'+i%26)) + string(rune('a'+i/26)) + "-a-rather-long-file-name"
		opts = append(opts, WithFile(name, name))
		want = append(want, name)
	}
	for _, version := range []string{"9P2000", "9P2000.L"} {
		t.Run(version, func(t *testing.T) {
			s := newServer(t, opts...)
			// A small message size forces readdir to take several rounds.
			c := connect(t, s, p9.WithVersion(version), p9.WithMessageSize(512))
			test.TestReadOnlyFS(t, c, test.WithDir("", want...))
		})
	}
}

func TestMaxVersion(t *testing.T) {
	s := newServer(t, WithMaxVersion("9P2000.u"), WithFile("foo", "bar"))
	c := connect(t, s)
	if got := c.Dialect(); got != p9.DotU {
		t.Errorf("Dialect = %v, want %v", got, p9.DotU)
	}
}

func TestMaxMessageSize(t *testing.T) {
	s := newServer(t, WithMaxMessageSize(4096))
	c := connect(t, s, p9.WithMessageSize(8192))
	if got := c.MessageSize(); got != 4096 {
		t.Errorf("MessageSize = %d, want 4096", got)
	}
}

func TestReadOnlyErrors(t *testing.T) {
	s := newServer(t, WithFile("foo", "bar"))
	c := connect(t, s)

	root, _, err := c.Attach(p9.NoFid, "root", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := c.Walk(root, "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Walk(missing) = %v, want %v", err, fs.ErrNotExist)
	}
	if _, _, err := c.Walk(root, "foo", "bar"); !errors.Is(err, linux.ENOENT) {
		t.Errorf("Walk(foo/bar) = %v, want %v", err, linux.ENOENT)
	}

	if _, err := c.Mkdir(root, "dir", 0o755, 0); !errors.Is(err, linux.EROFS) {
		t.Errorf("Mkdir = %v, want %v", err, linux.EROFS)
	}
	if err := c.Unlinkat(root, "foo", 0); !errors.Is(err, linux.EROFS) {
		t.Errorf("Unlinkat = %v, want %v", err, linux.EROFS)
	}

	f, _, err := c.Walk(root, "foo")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Lopen(f, uint32(p9.WriteOnly)); !errors.Is(err, linux.EROFS) {
		t.Errorf("Lopen(WriteOnly) = %v, want %v", err, linux.EROFS)
	}
	if _, err := c.Readlink(f); !errors.Is(err, linux.EINVAL) {
		t.Errorf("Readlink(regular file) = %v, want %v", err, linux.EINVAL)
	}
	if _, _, err := c.XattrWalk(f, "user.foo"); !errors.Is(err, linux.ENODATA) {
		t.Errorf("XattrWalk = %v, want %v", err, linux.ENODATA)
	}
	if err := c.Fsync(f); err != nil {
		t.Errorf("Fsync = %v, want nil", err)
	}
	st, err := c.Statfs(f)
	if err != nil {
		t.Fatalf("Statfs = %v", err)
	}
	if got := st.Uint("type"); got != statfsType {
		t.Errorf("Statfs type = %#x, want %#x", got, statfsType)
	}

	// Remove fails but still retires the fid.
	if err := c.Remove(f, false); !errors.Is(err, linux.EROFS) {
		t.Errorf("Remove = %v, want %v", err, linux.EROFS)
	}
	if got := c.Path(f); got != "unknown" {
		t.Errorf("Path(removed fid) = %q, want unknown", got)
	}
	if err := c.Clunk(f, false); err == nil {
		t.Errorf("Clunk(removed fid) = nil, want error")
	}
}

func TestWriteOpsRejected(t *testing.T) {
	s := newServer(t, WithFile("foo", "bar"), WithDir("dir"))

	t.Run("9P2000.L", func(t *testing.T) {
		c := connect(t, s)
		root, _, err := c.Attach(p9.NoFid, "root", "")
		if err != nil {
			t.Fatal(err)
		}
		f, _, err := c.Walk(root, "foo")
		if err != nil {
			t.Fatal(err)
		}
		d, _, err := c.Walk(root, "dir")
		if err != nil {
			t.Fatal(err)
		}

		for _, tt := range []struct {
			name string
			err  error
		}{
			{"Lcreate", func() error { _, _, err := c.Lcreate(d, "new", 0, 0o644, 0); return err }()},
			{"Symlink", func() error { _, err := c.Symlink(d, "l", "foo", 0); return err }()},
			{"Mknod", func() error { _, err := c.Mknod(d, "n", p9.ModeRegular|0o644, 0, 0, 0); return err }()},
			{"Link", c.Link(d, f, "hard")},
			{"Rename", c.Rename(f, d, "moved")},
			{"Renameat", c.Renameat(root, "foo", d, "moved")},
			{"Setattr", c.Setattr(f, p9.Fields{"valid": p9.SetattrSize, "size": 0})},
			{"XattrCreate", c.XattrCreate(f, "user.foo", 3, 0)},
			{"Write", func() error { _, err := c.Write(f, 0, []byte("x")); return err }()},
		} {
			if !errors.Is(tt.err, linux.EROFS) {
				t.Errorf("%s = %v, want %v", tt.name, tt.err, linux.EROFS)
			}
		}
		if got := c.Path(f); got != "/foo" {
			t.Errorf("Path after failed Rename = %q, want /foo", got)
		}
		if _, _, err := c.Auth("root", ""); !errors.Is(err, linux.ENOSYS) {
			t.Errorf("Auth = %v, want %v", err, linux.ENOSYS)
		}
	})

	t.Run("9P2000.u", func(t *testing.T) {
		c := connect(t, s, p9.WithVersion("9P2000.u"))
		root, _, err := c.Attach(p9.NoFid, "root", "")
		if err != nil {
			t.Fatal(err)
		}
		d, _, err := c.Walk(root, "dir")
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := c.Create(d, "new", 0o644, p9.ReadWrite, ""); !errors.Is(err, linux.EROFS) {
			t.Errorf("Create = %v, want %v", err, linux.EROFS)
		}
		st, err := c.Stat(d)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Wstat(d, st); !errors.Is(err, linux.EROFS) {
			t.Errorf("Wstat = %v, want %v", err, linux.EROFS)
		}
	})
}

func TestPlainErrorText(t *testing.T) {
	s := newServer(t)
	c := connect(t, s, p9.WithVersion("9P2000"))

	root, _, err := c.Attach(p9.NoFid, "root", "")
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = c.Walk(root, "missing")
	var re *p9.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Walk(missing) = %v, want RemoteError", err)
	}
	if re.Numeric || re.Errno != 0 {
		t.Errorf("RemoteError = %+v, want text only", re)
	}
	if want := linux.ENOENT.Error(); re.Message != want {
		t.Errorf("RemoteError.Message = %q, want %q", re.Message, want)
	}
}

func TestNew(t *testing.T) {
	for _, tt := range []struct {
		name string
		opts []Option
	}{
		{name: "duplicate file", opts: []Option{WithFile("foo", "a"), WithFile("foo", "b")}},
		{name: "file under file", opts: []Option{WithFile("foo", "a"), WithFile("foo/bar", "b")}},
		{name: "root", opts: []Option{WithDir("/")}},
		{name: "bad version", opts: []Option{WithMaxVersion("9P1000")}},
		{name: "tiny message size", opts: []Option{WithMaxMessageSize(rreadHeader)}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts...); err == nil {
				t.Errorf("New = nil, want error")
			}
		})
	}

	if _, err := New(WithFile("a/b", "x"), WithDir("a")); err != nil {
		t.Errorf("New(existing dir) = %v, want nil", err)
	}
}

func TestVersionTinyMessageSize(t *testing.T) {
	cs := &connState{s: newServer(t, WithFile("foo", "bar"))}
	for _, msize := range []uint32{0, 8, rreadHeader} {
		frame, err := p9.Plain.Pack(p9.MsgTversion, p9.Fields{"tag": p9.NoTag, "msize": msize, "version": "9P2000.L"})
		if err != nil {
			t.Fatal(err)
		}
		b, err := cs.version(frame)
		if err != nil {
			t.Fatalf("version(%d) = %v", msize, err)
		}
		r, err := p9.Plain.Unpack(b, false)
		if err != nil {
			t.Fatal(err)
		}
		if got := r.Str("version"); got != "unknown" {
			t.Errorf("Rversion for msize %d = %q, want unknown", msize, got)
		}
		if got := cs.maxCount(100); got != 0 {
			t.Errorf("maxCount(100) = %d, want 0", got)
		}
	}

	frame, err := p9.Plain.Pack(p9.MsgTversion, p9.Fields{"tag": p9.NoTag, "msize": rreadHeader + 4, "version": "9P2000.L"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cs.version(frame); err != nil {
		t.Fatal(err)
	}
	if got := cs.maxCount(100); got != 4 {
		t.Errorf("maxCount(100) = %d, want 4", got)
	}
}
