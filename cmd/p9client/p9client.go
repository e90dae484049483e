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

// Binary p9client talks to a 9P server.
//
// To list a directory of a server on 127.0.0.1:3333:
//
//	p9client 127.0.0.1:3333 ls /etc
//
// Other commands are cat and stat.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/hugelgupf/p9client/p9"
	"github.com/u-root/uio/uio"
	"github.com/u-root/uio/ulog"
)

var errUsage = errors.New("usage")

// Prints custom help to document the arguments
func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprint(w, "p9client - 9P client\n\n")
	fmt.Fprintf(w, "usage: %s [options] <addr> <ls|cat|stat> <path>\n\noptions:\n", fs.Name())
	fs.SetOutput(w)
	fs.PrintDefaults()
}

type cmd struct {
	c    *p9.Client
	root p9.Fid
	out  io.Writer
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("p9client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {}
	var (
		verbose = fs.Bool("v", false, "verbose logging")
		unix    = fs.Bool("unix", false, "use unix domain socket instead of TCP")
		version = fs.String("version", p9.HighestDialect.Name(), "highest protocol version to ask for")
		msize   = fs.Uint("msize", uint(p9.DefaultMessageSize), "message size to ask for")
		timeout = fs.Duration("timeout", 0, "per-request timeout, 0 for none")
		uname   = fs.String("uname", "nobody", "user to attach as")
		aname   = fs.String("aname", "", "file tree to attach to")
	)
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			usage(fs, stdout)
			return nil
		}
		return err
	}
	if fs.NArg() != 3 {
		usage(fs, stderr)
		return errUsage
	}

	network := "tcp"
	if *unix {
		network = "unix"
	}
	conn, err := net.Dial(network, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("err dialing: %w", err)
	}

	opts := []p9.ClientOpt{
		p9.WithVersion(*version),
		p9.WithMessageSize(uint32(*msize)),
		p9.WithTimeout(*timeout),
	}
	if *verbose {
		opts = append(opts, p9.WithClientLogger(ulog.Log))
	}
	c, err := p9.NewClient(conn, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	root, _, err := c.Attach(p9.NoFid, *uname, *aname)
	if err != nil {
		return err
	}
	defer c.Clunk(root, true)

	x := &cmd{c: c, root: root, out: stdout}
	switch fs.Arg(1) {
	case "ls":
		return x.ls(fs.Arg(2))
	case "cat":
		return x.cat(fs.Arg(2))
	case "stat":
		return x.stat(fs.Arg(2))
	default:
		usage(fs, stderr)
		return fmt.Errorf("%w: unknown command %q", errUsage, fs.Arg(1))
	}
}

// open walks to p and opens it for reading.
func (x *cmd) open(p string) (p9.Fid, error) {
	f, _, err := x.c.Lookup(x.root, p)
	if err != nil {
		return p9.NoFid, err
	}
	if x.c.Dialect().DotL() {
		_, _, err = x.c.Lopen(f, uint32(p9.ReadOnly))
	} else {
		_, _, err = x.c.Open(f, p9.ReadOnly)
	}
	if err != nil {
		x.c.Clunk(f, true)
		return p9.NoFid, err
	}
	return f, nil
}

func (x *cmd) ls(p string) error {
	f, err := x.open(p)
	if err != nil {
		return err
	}
	defer x.c.Clunk(f, true)

	var offset uint64
	for {
		dirents, err := x.c.Readdir(f, offset, x.c.MessageSize())
		if err != nil {
			return err
		}
		if len(dirents) == 0 {
			return nil
		}
		for _, d := range dirents {
			if d.Name == "." || d.Name == ".." {
				continue
			}
			if d.QID.Type&p9.TypeDir != 0 {
				fmt.Fprintf(x.out, "%s/\n", d.Name)
			} else {
				fmt.Fprintln(x.out, d.Name)
			}
		}
		offset = dirents[len(dirents)-1].Offset
	}
}

func (x *cmd) cat(p string) error {
	f, err := x.open(p)
	if err != nil {
		return err
	}
	defer x.c.Clunk(f, true)

	b, err := uio.ReadAll(x.c.ReaderAt(f))
	if err != nil {
		return err
	}
	_, err = x.out.Write(b)
	return err
}

func (x *cmd) stat(p string) error {
	f, _, err := x.c.Lookup(x.root, p)
	if err != nil {
		return err
	}
	defer x.c.Clunk(f, true)

	var (
		mode, size uint64
		q          p9.QID
	)
	if x.c.Dialect().DotL() {
		attr, err := x.c.Getattr(f, p9.GetattrBasic)
		if err != nil {
			return err
		}
		mode, size = attr.Uint("mode"), attr.Uint("size")
		q = p9.QIDFromRecord(attr.Record("qid"))
	} else {
		st, err := x.c.Stat(f)
		if err != nil {
			return err
		}
		mode, size = st.Uint("mode"), st.Uint("length")
		q = p9.QIDFromRecord(st.Record("qid"))
	}

	fmt.Fprintf(x.out, "%s mode=%#o size=%d qid=%v\n", p, mode, size, q)
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "p9client: %v\n", err)
		}
		os.Exit(1)
	}
}
