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

// Package staticfs implements a read-only in-memory 9P file server.
//
// It speaks 9P2000, 9P2000.u and 9P2000.L and exists to exercise clients.
package staticfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/hugelgupf/p9client/fsimpl/qids"
	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/p9"
	"github.com/hugelgupf/p9client/sequencer"
	"github.com/u-root/uio/ulog"
	"golang.org/x/exp/slices"
)

// Option is a configurator for New.
type Option func(*Server) error

// WithFile includes the file named name with file contents content in the
// file system. Missing parent directories are created.
func WithFile(name, content string) Option {
	return func(s *Server) error {
		n, err := s.add(name, p9.TypeRegular)
		if err != nil {
			return err
		}
		n.content = content
		return nil
	}
}

// WithDir includes an empty directory named name.
func WithDir(name string) Option {
	return func(s *Server) error {
		_, err := s.add(name, p9.TypeDir)
		return err
	}
}

// WithSymlink includes a symlink named name pointing to target.
func WithSymlink(name, target string) Option {
	return func(s *Server) error {
		n, err := s.add(name, p9.TypeSymlink)
		if err != nil {
			return err
		}
		n.target = target
		return nil
	}
}

// WithServerLogger overrides the default logger for the server.
func WithServerLogger(l ulog.Logger) Option {
	return func(s *Server) error {
		s.log = l
		return nil
	}
}

// WithMaxVersion caps the protocol version the server agrees to.
func WithMaxVersion(version string) Option {
	return func(s *Server) error {
		d, err := p9.LookupDialect(version)
		if err != nil {
			return err
		}
		s.maxDialect = d
		return nil
	}
}

// WithMaxMessageSize caps the message size the server agrees to.
func WithMaxMessageSize(m uint32) Option {
	return func(s *Server) error {
		if m <= rreadHeader {
			return fmt.Errorf("message size %d leaves no room for data", m)
		}
		s.maxMessageSize = m
		return nil
	}
}

// Server is a read-only file server for the tree defined by the options
// passed to New.
type Server struct {
	log            ulog.Logger
	maxDialect     *p9.Dialect
	maxMessageSize uint32

	qids *qids.Mapper
	root *node
}

// New creates a new read-only static file server.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		log:            ulog.Null,
		maxDialect:     p9.HighestDialect,
		maxMessageSize: p9.DefaultMessageSize,
		qids:           qids.NewMapper(&qids.PathGenerator{}),
	}
	s.root = s.newNode(nil, "/", p9.TypeDir)
	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type node struct {
	name   string
	path   string
	qid    p9.QID
	parent *node

	content string
	target  string

	// children and names, which is sorted, are only set for directories.
	children map[string]*node
	names    []string
}

func (s *Server) newNode(parent *node, p string, typ p9.QIDType) *node {
	n := &node{
		name:   path.Base(p),
		path:   p,
		qid:    s.qids.QIDFor(p, typ),
		parent: parent,
	}
	if parent == nil {
		n.parent = n
	}
	if typ == p9.TypeDir {
		n.children = make(map[string]*node)
	}
	return n
}

// add creates the file p of type typ along with its missing parents.
func (s *Server) add(p string, typ p9.QIDType) (*node, error) {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil, fmt.Errorf("cannot replace the root directory")
	}

	dir := s.root
	elems := strings.Split(p[1:], "/")
	for i, name := range elems {
		if !dir.isDir() {
			return nil, fmt.Errorf("%q: parent %q is not a directory", p, dir.path)
		}
		last := i == len(elems)-1
		if child, ok := dir.children[name]; ok {
			if last {
				if typ == p9.TypeDir && child.isDir() {
					return child, nil
				}
				return nil, fmt.Errorf("file named %q already exists", p)
			}
			dir = child
			continue
		}

		t := p9.TypeDir
		if last {
			t = typ
		}
		child := s.newNode(dir, path.Join(dir.path, name), t)
		dir.children[name] = child
		dir.names = append(dir.names, name)
		slices.Sort(dir.names)
		dir = child
	}
	return dir, nil
}

func (n *node) isDir() bool {
	return n.children != nil
}

func (n *node) walk(name string) (*node, error) {
	if !n.isDir() {
		return nil, linux.ENOTDIR
	}
	switch name {
	case "..":
		return n.parent, nil
	case ".":
		return n, nil
	}
	child, ok := n.children[name]
	if !ok {
		return nil, linux.ENOENT
	}
	return child, nil
}

// mode returns the Linux mode of n.
func (n *node) mode() uint32 {
	switch n.qid.Type {
	case p9.TypeDir:
		return p9.ModeDirectory | 0o555
	case p9.TypeSymlink:
		return p9.ModeSymlink | 0o777
	default:
		return p9.ModeRegular | 0o444
	}
}

// size is the length of a file's content or a symlink's target.
func (n *node) size() uint64 {
	if n.qid.Type == p9.TypeSymlink {
		return uint64(len(n.target))
	}
	return uint64(len(n.content))
}

// stat returns the 9P2000 stat of n.
func (n *node) stat() (*sequencer.Record, error) {
	var mode uint32
	switch n.qid.Type {
	case p9.TypeDir:
		mode = p9.DMDIR | 0o555
	case p9.TypeSymlink:
		mode = p9.DMSYMLINK | 0o777
	default:
		mode = 0o444
	}
	var length uint64
	if !n.isDir() {
		length = n.size()
	}
	return p9.NewStat(p9.Fields{
		"type":      0,
		"dev":       0,
		"qid":       n.qid.Record(),
		"mode":      mode,
		"atime":     0,
		"mtime":     0,
		"length":    length,
		"name":      n.name,
		"uid":       "root",
		"gid":       "root",
		"muid":      "root",
		"extension": n.target,
		"n_uid":     0,
		"n_gid":     0,
		"n_muid":    0,
	})
}
