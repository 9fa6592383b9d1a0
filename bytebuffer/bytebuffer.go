// Package bytebuffer implements the dynamic byte buffer: a chunked FIFO
// with a size limit, copying Read/Write, and scatter/gather direct
// access guarded by a lock/unlock lifecycle so a caller can hand buffer
// chunks straight to readv/writev without an intermediate copy.
//
// Grounded on gaio's double-buffered swapBuffer (w.swapBuffer,
// w.bufferOffset, swap-on-exhaustion in watcher.go's tryRead)
// generalized from two fixed buffers into an arbitrary-length chunk
// list, and on ClusterCockpit-cc-backend's metricstore buffer
// (fixed-size backing segments with head/tail cursors) for the segment
// bookkeeping. The chunk list itself reuses dcore's own dlist package,
// the same way gaio threads its reader/writer queues through
// container/list.
package bytebuffer

import (
	"github.com/xtaci/dcore/dlist"
	"github.com/xtaci/dcore/errs"
)

// DefaultChunkSize is the chunk size used when New is given <= 0.
const DefaultChunkSize = 4096

type chunk struct {
	buf []byte // len == chunkSize, full backing capacity
}

// Buffer is a chunked FIFO byte buffer.
type Buffer struct {
	chunkSize int
	chunks    *dlist.List[*chunk]

	rpos   int // read cursor within the head chunk
	wpos   int // write cursor within the tail chunk
	length int // total stored bytes
	limit  int // 0 = unlimited

	readLocked  int // bytes reserved by an outstanding DReadLock
	writeLocked int // bytes reserved by an outstanding DWriteLock

	// dataTail is the chunk element actually holding the last committed
	// byte (where wpos applies). Tracked explicitly rather than read off
	// chunks.Back(), because an outstanding DWriteLock reservation may
	// append further, not-yet-committed chunks after it.
	dataTail *dlist.Element[*chunk]

	// bookkeeping for the outstanding DWriteLock reservation, valid
	// only while writeLocked > 0.
	wlockChunks   []*dlist.Element[*chunk]
	wlockStartPos int
	wlockPreTail  *dlist.Element[*chunk]
}

// New returns an empty Buffer using chunkSize-byte chunks. A
// non-positive chunkSize is replaced with DefaultChunkSize.
func New(chunkSize int) *Buffer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Buffer{chunkSize: chunkSize, chunks: dlist.New[*chunk]()}
}

// Len returns the number of stored, readable bytes.
func (b *Buffer) Len() int { return b.length }

// Limit returns the configured size limit, 0 meaning unlimited.
func (b *Buffer) Limit() int { return b.limit }

// SetLimit sets the size limit; 0 means unlimited.
func (b *Buffer) SetLimit(n int) { b.limit = n }

// IsReadLocked reports whether a DReadLock is outstanding.
func (b *Buffer) IsReadLocked() bool { return b.readLocked > 0 }

// IsWriteLocked reports whether a DWriteLock is outstanding.
func (b *Buffer) IsWriteLocked() bool { return b.writeLocked > 0 }

// WillOverflow reports whether adding addN bytes would breach the
// configured limit.
func (b *Buffer) WillOverflow(addN int) bool {
	return b.limit != 0 && b.length+addN > b.limit
}

func (b *Buffer) tailChunk() *chunk {
	e := b.chunks.Back()
	if e == nil || b.wpos == b.chunkSize {
		c := &chunk{buf: make([]byte, b.chunkSize)}
		e = b.chunks.PushBack(c)
		b.wpos = 0
	}
	b.dataTail = e
	return e.Value
}

// Write appends data, allocating new chunks as needed. Fails with
// errs.Overflow if n would breach the limit, or errs.Busy if a write
// lock is held.
func (b *Buffer) Write(data []byte) (int, error) {
	if b.writeLocked > 0 {
		return 0, errs.New(errs.Busy)
	}
	n := len(data)
	if b.WillOverflow(n) {
		return 0, errs.New(errs.Overflow)
	}

	written := 0
	for written < n {
		c := b.tailChunk()
		room := b.chunkSize - b.wpos
		k := copy(c.buf[b.wpos:], data[written:])
		if k > room {
			k = room
		}
		b.wpos += k
		written += k
		b.length += k
	}
	return written, nil
}

// Read copies at most len(out) bytes from the head of the buffer,
// advancing the read cursor and releasing emptied head chunks. Fails
// with errs.Busy if a read lock is held.
func (b *Buffer) Read(out []byte) (int, error) {
	if b.readLocked > 0 {
		return 0, errs.New(errs.Busy)
	}
	want := len(out)
	if want > b.length {
		want = b.length
	}

	read := 0
	for read < want {
		e := b.chunks.Front()
		c := e.Value
		avail := b.availInChunk(e)
		k := copy(out[read:want], c.buf[b.rpos:b.rpos+avail])
		b.rpos += k
		read += k
		b.length -= k

		b.releaseConsumedHead(e)
	}
	return read, nil
}

// releaseConsumedHead retires e from the head of the chunk list once
// every byte up to the current read cursor has been consumed from it
// (a full chunk, or the dataTail chunk drained up to wpos). It leaves e
// in place, even fully drained, while an outstanding DWriteLock still
// needs it as dataTail: a write-locked buffer still allows reads per
// spec, but DWriteUnlock later re-links exactly this element as
// dataTail (or resumes writing into it for a carved-in reservation), so
// splicing it out of the list here would strand the bytes it commits.
func (b *Buffer) releaseConsumedHead(e *dlist.Element[*chunk]) {
	if b.writeLocked > 0 && e == b.dataTail {
		return
	}
	if b.rpos != b.chunkSize && !(e == b.dataTail && b.rpos == b.wpos) {
		return
	}
	if e == b.dataTail {
		b.dataTail = nil
	}
	b.chunks.Remove(e)
	b.rpos = 0
	if b.chunks.Len() == 0 {
		b.wpos = 0
	}
}

// availInChunk returns the number of unread bytes currently in e: the
// full chunk size for interior chunks, up to wpos for the chunk holding
// the last committed byte.
func (b *Buffer) availInChunk(e *dlist.Element[*chunk]) int {
	if e == b.dataTail {
		return b.wpos - b.rpos
	}
	return b.chunkSize - b.rpos
}

// DWriteLock reserves n writable bytes, allocating enough chunks to
// cover them, and returns a scatter/gather view into that region. A
// second concurrent write lock fails with errs.Busy. n of 0 returns
// (nil, nil) without reserving anything.
func (b *Buffer) DWriteLock(n int) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if b.writeLocked > 0 {
		return nil, errs.New(errs.Busy)
	}
	if b.WillOverflow(n) {
		return nil, errs.New(errs.Overflow)
	}

	var iov [][]byte
	var wlockChunks []*dlist.Element[*chunk]
	startPos := b.wpos
	remaining := n
	preTail := b.dataTail

	// first reach into the current tail chunk's free space, if any
	if e := b.chunks.Back(); e != nil && b.wpos < b.chunkSize {
		c := e.Value
		room := b.chunkSize - b.wpos
		k := room
		if k > remaining {
			k = remaining
		}
		iov = append(iov, c.buf[b.wpos:b.wpos+k])
		wlockChunks = append(wlockChunks, e)
		remaining -= k
	} else {
		startPos = 0
	}
	for remaining > 0 {
		c := &chunk{buf: make([]byte, b.chunkSize)}
		e := b.chunks.PushBack(c)
		k := b.chunkSize
		if k > remaining {
			k = remaining
		}
		iov = append(iov, c.buf[:k])
		wlockChunks = append(wlockChunks, e)
		remaining -= k
	}

	b.writeLocked = n
	b.wlockChunks = wlockChunks
	b.wlockStartPos = startPos
	b.wlockPreTail = preTail
	return iov, nil
}

// DWriteUnlock commits at most actuallyWritten bytes of the most recent
// DWriteLock reservation (actuallyWritten must be <= the reserved
// amount), advances the write cursor and length, trims any chunks left
// over past the new write cursor, and releases the write lock. A commit
// of 0 retires the entire tentative reservation.
func (b *Buffer) DWriteUnlock(actuallyWritten int, _ [][]byte) error {
	if b.writeLocked == 0 {
		return nil
	}
	commit := actuallyWritten
	if commit > b.writeLocked {
		commit = b.writeLocked
	}

	pos := b.wlockStartPos
	remaining := commit
	lastTouched := -1 // index into b.wlockChunks of the last chunk that received any committed byte
	b.wpos = b.wlockStartPos
	for i := range b.wlockChunks {
		if remaining <= 0 {
			break
		}
		room := b.chunkSize - pos
		k := room
		if k > remaining {
			k = remaining
		}
		if k > 0 {
			b.length += k
			lastTouched = i
			b.wpos = pos + k
		}
		remaining -= k
		pos = 0
	}

	// Chunks past the last one touched by the commit were allocated
	// purely for this reservation and never received data; drop them.
	// Index 0 is only droppable if the reservation itself allocated it
	// fresh (wlockStartPos == 0); if it carved room out of an already
	// partially-filled tail chunk, that chunk must survive regardless.
	firstDroppable := 0
	if b.wlockStartPos > 0 {
		firstDroppable = 1
	}
	start := lastTouched + 1
	if start < firstDroppable {
		start = firstDroppable
	}
	for i := start; i < len(b.wlockChunks); i++ {
		b.chunks.Remove(b.wlockChunks[i])
	}

	if lastTouched >= 0 {
		b.dataTail = b.wlockChunks[lastTouched]
	} else {
		b.dataTail = b.wlockPreTail
		if b.wlockStartPos == 0 && b.wlockPreTail != nil {
			// the reservation started in a fresh chunk, so the chunk
			// holding the last committed byte was full
			b.wpos = b.chunkSize
		}
	}

	b.wlockChunks = nil
	b.wlockStartPos = 0
	b.wlockPreTail = nil
	b.writeLocked = 0

	// a head chunk drained by reads while the lock held it as dataTail
	// no longer anchors anything; retire it now
	if e := b.chunks.Front(); e != nil {
		b.releaseConsumedHead(e)
	}
	return nil
}

// DReadLock locks up to min(n, Len()) bytes for zero-copy read and
// returns a scatter/gather view covering them. Reads are refused until
// unlocked. n of 0 returns (nil, nil) without locking anything.
func (b *Buffer) DReadLock(n int) ([][]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if b.readLocked > 0 {
		return nil, errs.New(errs.Busy)
	}

	avail := n
	if avail > b.length {
		avail = b.length
	}

	var iov [][]byte
	remaining := avail
	pos := b.rpos
	for e := b.chunks.Front(); remaining > 0 && e != nil; e = e.Next() {
		have := b.availInChunkFrom(e, pos)
		k := have
		if k > remaining {
			k = remaining
		}
		iov = append(iov, e.Value.buf[pos:pos+k])
		remaining -= k
		pos = 0
	}

	b.readLocked = avail
	return iov, nil
}

func (b *Buffer) availInChunkFrom(e *dlist.Element[*chunk], pos int) int {
	if e == b.dataTail {
		return b.wpos - pos
	}
	return b.chunkSize - pos
}

// DReadUnlock discards at most actuallyRead bytes from the head
// (actuallyRead must be <= the locked amount) and releases the read
// lock.
func (b *Buffer) DReadUnlock(actuallyRead int, _ [][]byte) error {
	if b.readLocked == 0 {
		return nil
	}
	discard := actuallyRead
	if discard > b.readLocked {
		discard = b.readLocked
	}

	remaining := discard
	for remaining > 0 {
		e := b.chunks.Front()
		avail := b.availInChunk(e)
		k := avail
		if k > remaining {
			k = remaining
		}
		b.rpos += k
		b.length -= k
		remaining -= k

		b.releaseConsumedHead(e)
	}

	b.readLocked = 0
	return nil
}

// Close releases every chunk owned by b. Outstanding iov slices
// returned by a lock call alias b's chunks and must not be used after
// Close.
func (b *Buffer) Close() error {
	b.chunks = dlist.New[*chunk]()
	b.rpos, b.wpos, b.length = 0, 0, 0
	b.readLocked, b.writeLocked = 0, 0
	b.dataTail = nil
	b.wlockChunks = nil
	b.wlockStartPos = 0
	b.wlockPreTail = nil
	return nil
}

// ChunkCount returns the number of backing chunks currently allocated,
// exposed for tests asserting chunk-crossing behavior.
func (b *Buffer) ChunkCount() int { return b.chunks.Len() }
