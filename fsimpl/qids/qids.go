// Package qids allocates QIDs for 9P file systems.
package qids

import (
	"sync"
	"sync/atomic"

	"github.com/hugelgupf/p9client/p9"
)

// A PathGenerator allocates paths for a 9P file system.
//
// Generally, QID paths must be unique in a 9P file system. intro(5) states:
//
//	The thirteen-byte qid fields hold a one-byte type, specifying whether
//	the file is a directory, append-only file, etc., and two unsigned
//	integers: first the four-byte qid version, then the eight-byte qid path.
//	The path is an integer unique among all files in the hierarchy. If a
//	file is deleted and recreated with the same name in the same directory,
//	the old and new path components of the qids should be different.
type PathGenerator struct {
	uids uint64
}

// NewPath returns a path never returned before.
func (g *PathGenerator) NewPath() uint64 {
	return atomic.AddUint64(&g.uids, 1)
}

// Mapper hands out one QID per file name, allocating paths from g the first
// time a name is seen.
type Mapper struct {
	g *PathGenerator

	mu    sync.Mutex
	paths map[string]p9.QID
}

// NewMapper returns a Mapper allocating from g.
func NewMapper(g *PathGenerator) *Mapper {
	return &Mapper{g: g, paths: make(map[string]p9.QID)}
}

// QIDFor returns the QID of name. A name seen before keeps its QID, whatever
// typ is passed.
func (m *Mapper) QIDFor(name string, typ p9.QIDType) p9.QID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.paths[name]; ok {
		return q
	}
	q := p9.QID{Type: typ, Path: m.g.NewPath()}
	m.paths[name] = q
	return q
}
