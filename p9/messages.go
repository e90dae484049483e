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
	"math"
	"strings"

	"github.com/hugelgupf/p9client/sequencer"
)

// MsgType is a 9P message type, the fcall byte of a frame.
type MsgType uint8

// Message types.
const (
	MsgRlerror      MsgType = 7
	MsgTstatfs      MsgType = 8
	MsgRstatfs      MsgType = 9
	MsgTlopen       MsgType = 12
	MsgRlopen       MsgType = 13
	MsgTlcreate     MsgType = 14
	MsgRlcreate     MsgType = 15
	MsgTsymlink     MsgType = 16
	MsgRsymlink     MsgType = 17
	MsgTmknod       MsgType = 18
	MsgRmknod       MsgType = 19
	MsgTrename      MsgType = 20
	MsgRrename      MsgType = 21
	MsgTreadlink    MsgType = 22
	MsgRreadlink    MsgType = 23
	MsgTgetattr     MsgType = 24
	MsgRgetattr     MsgType = 25
	MsgTsetattr     MsgType = 26
	MsgRsetattr     MsgType = 27
	MsgTxattrwalk   MsgType = 30
	MsgRxattrwalk   MsgType = 31
	MsgTxattrcreate MsgType = 32
	MsgRxattrcreate MsgType = 33
	MsgTreaddir     MsgType = 40
	MsgRreaddir     MsgType = 41
	MsgTfsync       MsgType = 50
	MsgRfsync       MsgType = 51
	MsgTlock        MsgType = 52
	MsgRlock        MsgType = 53
	MsgTgetlock     MsgType = 54
	MsgRgetlock     MsgType = 55
	MsgTlink        MsgType = 70
	MsgRlink        MsgType = 71
	MsgTmkdir       MsgType = 72
	MsgRmkdir       MsgType = 73
	MsgTrenameat    MsgType = 74
	MsgRrenameat    MsgType = 75
	MsgTunlinkat    MsgType = 76
	MsgRunlinkat    MsgType = 77
	MsgTversion     MsgType = 100
	MsgRversion     MsgType = 101
	MsgTauth        MsgType = 102
	MsgRauth        MsgType = 103
	MsgTattach      MsgType = 104
	MsgRattach      MsgType = 105
	MsgRerror       MsgType = 107
	MsgTflush       MsgType = 108
	MsgRflush       MsgType = 109
	MsgTwalk        MsgType = 110
	MsgRwalk        MsgType = 111
	MsgTopen        MsgType = 112
	MsgRopen        MsgType = 113
	MsgTcreate      MsgType = 114
	MsgRcreate      MsgType = 115
	MsgTread        MsgType = 116
	MsgRread        MsgType = 117
	MsgTwrite       MsgType = 118
	MsgRwrite       MsgType = 119
	MsgTclunk       MsgType = 120
	MsgRclunk       MsgType = 121
	MsgTremove      MsgType = 122
	MsgRremove      MsgType = 123
	MsgTstat        MsgType = 124
	MsgRstat        MsgType = 125
	MsgTwstat       MsgType = 126
	MsgRwstat       MsgType = 127
)

// schemaText describes every message of 9P2000, 9P2000.u and 9P2000.L.
//
// Messages without a label exist in all dialects. Fields in a { .u: }
// segment are sent by 9P2000.u and 9P2000.L only.
const schemaText = `
type qid: type[1] version[4] path[8]
type stat: type[2] dev[4] qid[qid] mode[4] atime[4] mtime[4] length[8] name[s] uid[s] gid[s] muid[s] { .u: extension[s] n_uid[4] n_gid[4] n_muid[4] }
type wirestat: size[2] data[size]
type dirent: qid[qid] offset[8] type[1] name[s]

# 9P2000.L
Rlerror=7 .L: tag[2] ecode[4]
Tstatfs=8 .L: tag[2] fid[4]
Rstatfs .L: tag[2] type[4] bsize[4] blocks[8] bfree[8] bavail[8] files[8] ffree[8] fsid[8] namelen[4]
Tlopen=12 .L: tag[2] fid[4] flags[4]
Rlopen .L: tag[2] qid[qid] iounit[4]
Tlcreate .L: tag[2] fid[4] name[s] flags[4] mode[4] gid[4]
Rlcreate .L: tag[2] qid[qid] iounit[4]
Tsymlink .L: tag[2] fid[4] name[s] symtgt[s] gid[4]
Rsymlink .L: tag[2] qid[qid]
Tmknod .L: tag[2] dfid[4] name[s] mode[4] major[4] minor[4] gid[4]
Rmknod .L: tag[2] qid[qid]
Trename .L: tag[2] fid[4] dfid[4] name[s]
Rrename .L: tag[2]
Treadlink .L: tag[2] fid[4]
Rreadlink .L: tag[2] target[s]
Tgetattr .L: tag[2] fid[4] request_mask[8]
Rgetattr .L: tag[2] valid[8] qid[qid] mode[4] uid[4] gid[4] nlink[8] rdev[8] size[8] blksize[8] blocks[8] atime_sec[8] atime_nsec[8] mtime_sec[8] mtime_nsec[8] ctime_sec[8] ctime_nsec[8] btime_sec[8] btime_nsec[8] gen[8] data_version[8]
Tsetattr .L: tag[2] fid[4] valid[4] mode[4] uid[4] gid[4] size[8] atime_sec[8] atime_nsec[8] mtime_sec[8] mtime_nsec[8]
Rsetattr .L: tag[2]
Txattrwalk=30 .L: tag[2] fid[4] newfid[4] name[s]
Rxattrwalk .L: tag[2] size[8]
Txattrcreate .L: tag[2] fid[4] name[s] attr_size[8] flags[4]
Rxattrcreate .L: tag[2]
Treaddir=40 .L: tag[2] fid[4] offset[8] count[4]
Rreaddir .L: tag[2] count[4] data[count]
Tfsync=50 .L: tag[2] fid[4] datasync[4]
Rfsync .L: tag[2]
Tlock .L: tag[2] fid[4] type[1] flags[4] start[8] length[8] proc_id[4] client_id[s]
Rlock .L: tag[2] status[1]
Tgetlock .L: tag[2] fid[4] type[1] start[8] length[8] proc_id[4] client_id[s]
Rgetlock .L: tag[2] type[1] start[8] length[8] proc_id[4] client_id[s]
Tlink=70 .L: tag[2] dfid[4] fid[4] name[s]
Rlink .L: tag[2]
Tmkdir .L: tag[2] dfid[4] name[s] mode[4] gid[4]
Rmkdir .L: tag[2] qid[qid]
Trenameat .L: tag[2] olddirfid[4] oldname[s] newdirfid[4] newname[s]
Rrenameat .L: tag[2]
Tunlinkat .L: tag[2] dirfd[4] name[s] flags[4]
Runlinkat .L: tag[2]

# 9P2000 and 9P2000.u
Tversion=100: tag[2] msize[4] version[s]:auto
Rversion: tag[2] msize[4] version[s]
Tauth: tag[2] afid[4] uname[s] aname[s] { .u: n_uname[4] }
Rauth: tag[2] aqid[qid]
Tattach: tag[2] fid[4] afid[4] uname[s] aname[s] { .u: n_uname[4] }
Rattach: tag[2] qid[qid]
Rerror=107: tag[2] errstr[s] { .u: errnum[4] }
Tflush: tag[2] oldtag[2]
Rflush: tag[2]
Twalk: tag[2] fid[4] newfid[4] nwname[2] nwname*(wname[s])
Rwalk: tag[2] nwqid[2] nwqid*(wqid[qid])
Topen: tag[2] fid[4] mode[1]
Ropen: tag[2] qid[qid] iounit[4]
Tcreate: tag[2] fid[4] name[s] perm[4] mode[1] { .u: extension[s] }
Rcreate: tag[2] qid[qid] iounit[4]
Tread: tag[2] fid[4] offset[8] count[4]
Rread: tag[2] count[4] data[count]
Twrite: tag[2] fid[4] offset[8] count[4] data[count]
Rwrite: tag[2] count[4]
Tclunk: tag[2] fid[4]
Rclunk: tag[2]
Tremove: tag[2] fid[4]
Rremove: tag[2]
Tstat: tag[2] fid[4]
Rstat: tag[2] nstat[2] data[nstat]
Twstat: tag[2] fid[4] nstat[2] data[nstat]
Rwstat: tag[2]
`

// msgRegistry indexes all compiled message types by opcode.
//
// It is built during package variable initialization so that the dialect
// variables can be derived from it.
var msgRegistry = newRegistry()

type registry struct {
	schema *sequencer.Schema

	types [math.MaxUint8 + 1]*sequencer.Type

	// byName maps lower-cased message names to their type.
	byName map[string]MsgType

	qid      *sequencer.Type
	stat     *sequencer.Type
	wirestat *sequencer.Type
	dirent   *sequencer.Type
}

// get returns the compiled type of t, or nil.
func (r *registry) get(t MsgType) *sequencer.Type {
	return r.types[t]
}

// register binds t to the schema message called name.
//
// This may cause panic on failure and should only be used from init.
func (r *registry) register(t MsgType, name string) {
	st := r.schema.Message(name)
	if st == nil {
		panic(fmt.Sprintf("message %s is not in the schema", name))
	}
	if st.Op() != uint8(t) {
		panic(fmt.Sprintf("message %s has opcode %d in the schema, want %d", name, st.Op(), t))
	}
	if r.types[t] != nil {
		panic(fmt.Sprintf("duplicate message type %d: first is %s, second is %s", t, r.types[t], name))
	}
	r.types[t] = st
	r.byName[strings.ToLower(name)] = t
}

// String implements fmt.Stringer.
func (t MsgType) String() string {
	if st := msgRegistry.get(t); st != nil {
		return st.Name()
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

func newRegistry() *registry {
	r := &registry{
		schema: sequencer.MustCompile(schemaText),
		byName: make(map[string]MsgType),
	}
	r.qid = r.schema.Typedef("qid")
	r.stat = r.schema.Typedef("stat")
	r.wirestat = r.schema.Typedef("wirestat")
	r.dirent = r.schema.Typedef("dirent")

	for _, m := range []struct {
		t    MsgType
		name string
	}{
		{MsgRlerror, "Rlerror"},
		{MsgTstatfs, "Tstatfs"},
		{MsgRstatfs, "Rstatfs"},
		{MsgTlopen, "Tlopen"},
		{MsgRlopen, "Rlopen"},
		{MsgTlcreate, "Tlcreate"},
		{MsgRlcreate, "Rlcreate"},
		{MsgTsymlink, "Tsymlink"},
		{MsgRsymlink, "Rsymlink"},
		{MsgTmknod, "Tmknod"},
		{MsgRmknod, "Rmknod"},
		{MsgTrename, "Trename"},
		{MsgRrename, "Rrename"},
		{MsgTreadlink, "Treadlink"},
		{MsgRreadlink, "Rreadlink"},
		{MsgTgetattr, "Tgetattr"},
		{MsgRgetattr, "Rgetattr"},
		{MsgTsetattr, "Tsetattr"},
		{MsgRsetattr, "Rsetattr"},
		{MsgTxattrwalk, "Txattrwalk"},
		{MsgRxattrwalk, "Rxattrwalk"},
		{MsgTxattrcreate, "Txattrcreate"},
		{MsgRxattrcreate, "Rxattrcreate"},
		{MsgTreaddir, "Treaddir"},
		{MsgRreaddir, "Rreaddir"},
		{MsgTfsync, "Tfsync"},
		{MsgRfsync, "Rfsync"},
		{MsgTlock, "Tlock"},
		{MsgRlock, "Rlock"},
		{MsgTgetlock, "Tgetlock"},
		{MsgRgetlock, "Rgetlock"},
		{MsgTlink, "Tlink"},
		{MsgRlink, "Rlink"},
		{MsgTmkdir, "Tmkdir"},
		{MsgRmkdir, "Rmkdir"},
		{MsgTrenameat, "Trenameat"},
		{MsgRrenameat, "Rrenameat"},
		{MsgTunlinkat, "Tunlinkat"},
		{MsgRunlinkat, "Runlinkat"},
		{MsgTversion, "Tversion"},
		{MsgRversion, "Rversion"},
		{MsgTauth, "Tauth"},
		{MsgRauth, "Rauth"},
		{MsgTattach, "Tattach"},
		{MsgRattach, "Rattach"},
		{MsgRerror, "Rerror"},
		{MsgTflush, "Tflush"},
		{MsgRflush, "Rflush"},
		{MsgTwalk, "Twalk"},
		{MsgRwalk, "Rwalk"},
		{MsgTopen, "Topen"},
		{MsgRopen, "Ropen"},
		{MsgTcreate, "Tcreate"},
		{MsgRcreate, "Rcreate"},
		{MsgTread, "Tread"},
		{MsgRread, "Rread"},
		{MsgTwrite, "Twrite"},
		{MsgRwrite, "Rwrite"},
		{MsgTclunk, "Tclunk"},
		{MsgRclunk, "Rclunk"},
		{MsgTremove, "Tremove"},
		{MsgRremove, "Rremove"},
		{MsgTstat, "Tstat"},
		{MsgRstat, "Rstat"},
		{MsgTwstat, "Twstat"},
		{MsgRwstat, "Rwstat"},
	} {
		r.register(m.t, m.name)
	}
	if n, want := len(r.byName), len(r.schema.Messages()); n != want {
		panic(fmt.Sprintf("%d message types registered, schema has %d", n, want))
	}
	return r
}
