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

// Binary static_server serves a read-only snapshot of a local directory
// over 9P.
//
// To use, first start the server:
//
//	static_server -root /etc 127.0.0.1:3333
//
// Then, talk to it with p9client or the Linux 9P filesystem:
//
//	mount -t 9p -o trans=tcp,port=3333 127.0.0.1 /mnt
package main

import (
	"flag"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/hugelgupf/p9client/fsimpl/staticfs"
	"github.com/hugelgupf/p9client/p9"
	"github.com/u-root/uio/ulog"
)

var (
	verbose = flag.Bool("v", false, "verbose logging")
	root    = flag.String("root", ".", "directory to snapshot and serve")
	unix    = flag.Bool("unix", false, "use unix domain socket instead of TCP")
	version = flag.String("version", p9.HighestDialect.Name(), "highest protocol version to agree to")
	msize   = flag.Uint("msize", uint(p9.DefaultMessageSize), "largest message size to agree to")
)

// snapshot reads the tree at dir into staticfs options. Files other than
// regular files, directories and symlinks are skipped.
func snapshot(dir string) ([]staticfs.Option, error) {
	var opts []staticfs.Option
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		switch t := d.Type(); {
		case t.IsDir():
			opts = append(opts, staticfs.WithDir(name))
		case t&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			opts = append(opts, staticfs.WithSymlink(name, target))
		case t.IsRegular():
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			opts = append(opts, staticfs.WithFile(name, string(b)))
		}
		return nil
	})
	return opts, err
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [options] <bind-addr>\n\noptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	opts, err := snapshot(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "err reading %s: %v\n", *root, err)
		os.Exit(1)
	}
	opts = append(opts,
		staticfs.WithMaxVersion(*version),
		staticfs.WithMaxMessageSize(uint32(*msize)),
	)
	if *verbose {
		opts = append(opts, staticfs.WithServerLogger(ulog.Log))
	}
	s, err := staticfs.New(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "err building file system: %v\n", err)
		os.Exit(1)
	}

	network := "tcp"
	if *unix {
		network = "unix"
	}
	l, err := net.Listen(network, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "err binding: %v\n", err)
		os.Exit(2)
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			fmt.Fprintf(os.Stderr, "err accepting: %v\n", err)
			os.Exit(2)
		}
		go func() {
			if err := s.ServeConn(conn); err != nil {
				ulog.Log.Printf("connection %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}
