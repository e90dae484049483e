// Package readdir packs directory listings for static file systems.
package readdir

import (
	"github.com/hugelgupf/p9client/linux"
	"github.com/hugelgupf/p9client/p9"
	"github.com/hugelgupf/p9client/sequencer"
)

// Entry is one member of a directory.
type Entry struct {
	Name string
	QID  p9.QID
}

// Dirents packs entries[offset:] as 9P2000.L dirents, as many as fit in
// count bytes. The offset of each dirent is the offset of the entry after
// it.
//
// Repeated calls for the same directory must be made with the same entries.
func Dirents(d *p9.Dialect, entries []Entry, offset uint64, count uint32) ([]byte, error) {
	if offset >= uint64(len(entries)) {
		return nil, nil
	}

	var data []byte
	for i, e := range entries[offset:] {
		dirent, err := p9.NewDirent(p9.Fields{
			"qid":    e.QID.Record(),
			"offset": offset + uint64(i) + 1,
			"type":   uint8(e.QID.Type),
			"name":   e.Name,
		})
		if err != nil {
			return nil, err
		}
		b, err := d.PackDirent(dirent)
		if err != nil {
			return nil, err
		}
		if uint64(len(data)+len(b)) > uint64(count) {
			break
		}
		data = append(data, b...)
	}
	if len(data) == 0 {
		// Not even the first entry fits.
		return nil, linux.EINVAL
	}
	return data, nil
}

// Stats packs stats as the contents of a 9P2000 directory: size-prefixed
// stat entries, read at byte offsets. Only whole entries are returned, as
// many as fit in count bytes, and offset must fall on an entry boundary.
func Stats(d *p9.Dialect, stats []*sequencer.Record, offset uint64, count uint32) ([]byte, error) {
	var pos uint64
	var data []byte
	for _, st := range stats {
		b, err := d.PackWirestat(st)
		if err != nil {
			return nil, err
		}
		end := pos + uint64(len(b))
		switch {
		case end <= offset:
		case pos < offset:
			return nil, linux.EINVAL
		case uint64(len(data)+len(b)) > uint64(count):
			if len(data) == 0 {
				return nil, linux.EINVAL
			}
			return data, nil
		default:
			data = append(data, b...)
		}
		pos = end
	}
	return data, nil
}
