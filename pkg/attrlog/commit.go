package attrlog

import (
	"time"

	"github.com/marmos91/pmeta/pkg/metrics"
	"github.com/marmos91/pmeta/pkg/pmerr"
)

// SetAttr carries the fields a setattr may change. Nil fields keep their
// current value.
type SetAttr struct {
	Mode  *uint16
	UID   *uint32
	GID   *uint32
	Size  *uint64
	Atime *uint32
	Mtime *uint32
	Ctime uint32
}

// CommitSetAttr logs a setattr for ino on top of its current attributes,
// stamped with a fresh version.
func (l *Log) CommitSetAttr(ino uint64, sa SetAttr) (Entry, error) {
	if ino == 0 || ino == NoOwner {
		return Entry{}, pmerr.New(pmerr.CodeInvalidArgument, "attrlog.CommitSetAttr", "inode %d", ino)
	}
	id := l.Bucket(ino)
	l.locks[id].Lock()
	defer l.locks[id].Unlock()

	cur, err := l.attributesLocked(id, ino)
	if err != nil {
		return Entry{}, err
	}

	e := Entry{
		Kind:  KindSetAttr,
		Mode:  cur.Mode,
		UID:   cur.UID,
		GID:   cur.GID,
		Size:  cur.Size,
		Atime: cur.Atime,
		Mtime: cur.Mtime,
		Ctime: max(cur.Ctime, sa.Ctime),
	}
	if sa.Mode != nil {
		e.Mode = (cur.Mode &^ 0o7777) | (*sa.Mode & 0o7777)
	}
	if sa.UID != nil {
		e.UID = *sa.UID
	}
	if sa.GID != nil {
		e.GID = *sa.GID
	}
	if sa.Size != nil {
		e.Size = *sa.Size
	}
	if sa.Atime != nil {
		e.Atime = *sa.Atime
	}
	if sa.Mtime != nil {
		e.Mtime = *sa.Mtime
	}
	e.Tstamp = l.clock.Next()

	start := time.Now()
	err = l.commitLocked(id, ino, e)
	l.metrics.ObserveOp(metrics.ComponentAttrLog, "commit", start, err)
	return e, err
}

// CommitSizeChange logs a new size for ino, updating mtime and ctime.
func (l *Log) CommitSizeChange(ino, size uint64, now uint32) (Entry, error) {
	return l.CommitSetAttr(ino, SetAttr{Size: &size, Mtime: &now, Ctime: now})
}

// CommitLinkChange logs a new link count for ino.
func (l *Log) CommitLinkChange(ino uint64, links uint16, now uint32) (Entry, error) {
	e := Entry{
		Kind:   KindLinkChange,
		Links:  links,
		Ctime:  now,
		Tstamp: l.clock.Next(),
	}
	return e, l.Commit(ino, e)
}
