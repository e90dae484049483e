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

// Package test implements client acceptance tests against read-only file
// servers.
package test

import (
	"fmt"
	"testing"

	"github.com/hugelgupf/p9client/p9"
	"github.com/u-root/uio/uio"
	"golang.org/x/exp/slices"
)

type file struct {
	content string
	typ     p9.QIDType
}

type dir struct {
	members []string
}

type expect struct {
	files map[string]file
	dirs  map[string]dir
}

// Expect describes part of the tree a server is expected to serve.
type Expect func(e *expect)

// WithDir expects path to be a directory holding exactly members.
func WithDir(path string, members ...string) Expect {
	return func(e *expect) {
		e.dirs[path] = dir{
			members: members,
		}
	}
}

// WithFile expects path to be a regular file holding content.
func WithFile(path string, content string) Expect {
	return func(e *expect) {
		e.files[path] = file{
			content: content,
			typ:     p9.TypeRegular,
		}
	}
}

// WithSymlink expects path to be a symlink to target.
func WithSymlink(path string, target string) Expect {
	return func(e *expect) {
		e.files[path] = file{
			content: target,
			typ:     p9.TypeSymlink,
		}
	}
}

// TestReadOnlyFS attaches c to its server and checks the read-only
// behaviors every file server must have, plus expectations.
func TestReadOnlyFS(t *testing.T, c *p9.Client, expectations ...Expect) {
	root, _, err := c.Attach(p9.NoFid, "root", "")
	if err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	defer c.Clunk(root, true)

	t.Run("walk-self", func(t *testing.T) { testWalkSelf(t, c, root) })
	t.Run("readdir-walk", func(t *testing.T) { testReaddirWalk(t, c, root) })

	e := expect{
		files: make(map[string]file),
		dirs:  make(map[string]dir),
	}
	for _, exp := range expectations {
		exp(&e)
	}
	for path, dir := range e.dirs {
		t.Run(fmt.Sprintf("dir-%s", path), func(t *testing.T) { testDirContents(t, c, root, path, dir) })
	}
	for path, file := range e.files {
		t.Run(fmt.Sprintf("file-%s", path), func(t *testing.T) { testIsFile(t, c, root, path, file) })
	}
}

func testWalkSelf(t *testing.T, c *p9.Client, root p9.Fid) {
	f, qids, err := c.Walk(root)
	if err != nil {
		t.Fatalf("Walk() = %v, want nil", err)
	}
	if len(qids) != 0 {
		t.Errorf("Walk() qids = %v, want none", qids)
	}
	if got, want := c.Path(f), c.Path(root); got != want {
		t.Errorf("Path(clone) = %q, want %q", got, want)
	}
	if err := c.Clunk(f, false); err != nil {
		t.Errorf("Clunk = %v", err)
	}
}

// open opens fid for reading the way the negotiated dialect prefers.
func open(c *p9.Client, fid p9.Fid) error {
	var err error
	if c.Dialect().DotL() {
		_, _, err = c.Lopen(fid, uint32(p9.ReadOnly))
	} else {
		_, _, err = c.Open(fid, p9.ReadOnly)
	}
	return err
}

func readdir(c *p9.Client, d p9.Fid) ([]p9.Dirent, error) {
	f, _, err := c.Walk(d)
	if err != nil {
		return nil, fmt.Errorf("Walk() = %v, want nil (dir should be able to walk to itself)", err)
	}
	defer c.Clunk(f, true)
	if err := open(c, f); err != nil {
		return nil, fmt.Errorf("Open(ReadOnly) = %v, want nil (directory must be open-able to readdir)", err)
	}

	var dirents []p9.Dirent
	offset := uint64(0)
	for {
		d, err := c.Readdir(f, offset, 1000)
		if err != nil {
			return nil, fmt.Errorf("Readdir: %v", err)
		}
		if len(d) == 0 {
			return dirents, nil
		}
		dirents = append(dirents, d...)
		offset = d[len(d)-1].Offset
	}
}

func testReaddirWalk(t *testing.T, c *p9.Client, root p9.Fid) {
	dirents, err := readdir(c, root)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range dirents {
		f, qids, err := c.Walk(root, entry.Name)
		if err != nil {
			t.Fatalf("Could not walk to %s: %v", entry.Name, err)
		}
		if qids[0] != entry.QID {
			t.Errorf("For %s: Readdir QID is %v, Walk QID is %v, expected same", entry.Name, entry.QID, qids[0])
		}
		c.Clunk(f, true)
	}
}

func testDirContents(t *testing.T, c *p9.Client, root p9.Fid, path string, d dir) {
	f, qids, err := c.Lookup(root, path)
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %s", path, err)
	}
	defer c.Clunk(f, true)
	if len(qids) > 0 && qids[len(qids)-1].Type != p9.TypeDir {
		t.Fatalf("Lookup(%s) QID = %v, wanted directory", path, qids[len(qids)-1])
	}

	dirents, err := readdir(c, f)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, entry := range dirents {
		names = append(names, entry.Name)
	}

	members := slices.Clone(d.members)
	slices.Sort(members)
	slices.Sort(names)
	if !slices.Equal(names, members) {
		t.Fatalf("Readdir = %v, wanted %v", names, members)
	}
}

func testIsFile(t *testing.T, c *p9.Client, root p9.Fid, path string, file file) {
	f, qids, err := c.Lookup(root, path)
	if err != nil {
		t.Fatalf("Lookup(%s) failed: %s", path, err)
	}
	defer c.Clunk(f, true)
	if got := qids[len(qids)-1].Type; got != file.typ {
		t.Fatalf("Lookup(%s) QID type = %d, want %d", path, got, file.typ)
	}

	size, err := fileSize(c, f)
	if err != nil {
		t.Fatal(err)
	}
	if want := uint64(len(file.content)); size != want {
		t.Errorf("size = %d, want %d", size, want)
	}

	switch file.typ {
	case p9.TypeRegular:
		if err := open(c, f); err != nil {
			t.Fatalf("Open = %v, want nil", err)
		}
		for i := 0; i < 2; i++ {
			con, err := uio.ReadAll(c.ReaderAt(f))
			if err != nil {
				t.Fatalf("ReadAll(%d) = %v, want nil", i, err)
			}
			if got := string(con); got != file.content {
				t.Fatalf("ReadAll(%d) = %v, want %v", i, got, file.content)
			}
		}

	case p9.TypeSymlink:
		target, err := readlink(c, f)
		if err != nil {
			t.Fatalf("Readlink = %v", err)
		}
		if target != "" && target != file.content {
			t.Fatalf("Readlink = %s, want %s", target, file.content)
		}
	}
}

func fileSize(c *p9.Client, f p9.Fid) (uint64, error) {
	if c.Dialect().DotL() {
		attr, err := c.Getattr(f, p9.GetattrSize)
		if err != nil {
			return 0, fmt.Errorf("Getattr = %v", err)
		}
		return attr.Uint("size"), nil
	}
	st, err := c.Stat(f)
	if err != nil {
		return 0, fmt.Errorf("Stat = %v", err)
	}
	return st.Uint("length"), nil
}

// readlink returns the target of a symlink, or "" for 9P2000, which has no
// way of telling.
func readlink(c *p9.Client, f p9.Fid) (string, error) {
	d := c.Dialect()
	switch {
	case d.DotL():
		return c.Readlink(f)
	case d.DotU():
		st, err := c.Stat(f)
		if err != nil {
			return "", err
		}
		return st.Str("extension"), nil
	default:
		return "", nil
	}
}
