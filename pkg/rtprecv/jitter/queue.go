// Package jitter implements the byte queue that absorbs network jitter
// between RTP arrival and playback.
//
// The queue is addressed by absolute byte indices. The writer seeks its
// cursor to where a packet belongs and pushes it there; the reader pulls
// from its own cursor, seeing silence wherever nothing was written.
package jitter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/huandu/skiplist"
	"github.com/samber/lo"
)

var (
	ErrOverrun     = errors.New("queue overrun")
	ErrNotReadable = errors.New("queue not readable")
	ErrAlignment   = errors.New("push is not frame aligned")
)

type Config struct {
	// MaxLength bounds write index minus read index, in bytes
	MaxLength int64

	// Base is the frame size; pushes must be a multiple of it
	Base int

	// Prebuf is how many bytes must be queued before reading starts,
	// and again after every underrun
	Prebuf int64

	// Silence fills holes left by seeks
	Silence byte
}

type Queue struct {
	sync.Mutex

	chunks *skiplist.SkipList // start index -> []byte, never overlapping

	readIndex  int64
	writeIndex int64

	maxLength int64
	base      int64
	prebuf    int64
	inPrebuf  bool
	maxRewind int64
	silence   byte
}

func New(cfg Config) *Queue {
	base := int64(lo.Max([]int{cfg.Base, 1}))

	q := &Queue{
		chunks:    skiplist.New(skiplist.Int64),
		maxLength: alignDown(lo.Max([]int64{cfg.MaxLength, base}), base),
		base:      base,
		silence:   cfg.Silence,
	}

	q.prebuf = lo.Min([]int64{alignDown(cfg.Prebuf, base), q.maxLength})
	q.inPrebuf = q.prebuf > 0

	return q
}

func alignDown(n, base int64) int64 {
	if n <= 0 {
		return 0
	}

	return n - n%base
}

// SeekWrite moves the write cursor by offset bytes. A negative offset
// rewinds it so an out-of-order packet lands at its proper position
func (q *Queue) SeekWrite(offset int64) {
	q.Lock()
	defer q.Unlock()

	q.writeIndex += offset
}

// Push writes p at the write cursor, replacing anything already queued at
// those positions, and advances the cursor. On ErrOverrun nothing is written
// and the cursor stays put
func (q *Queue) Push(p []byte) error {
	q.Lock()
	defer q.Unlock()

	l := int64(len(p))
	if l == 0 {
		return nil
	}

	if l%q.base != 0 {
		return fmt.Errorf("%w: %d bytes, base %d", ErrAlignment, l, q.base)
	}

	start := q.writeIndex

	// whatever lands before the read cursor has already been played
	if q.readIndex > start {
		skip := q.readIndex - start
		if l <= skip {
			q.writeIndex += l
			return nil
		}

		p = p[skip:]
		start = q.readIndex
	}

	end := q.writeIndex + l
	if end-q.readIndex > q.maxLength {
		return ErrOverrun
	}

	q.cut(start, end)

	data := make([]byte, len(p))
	copy(data, p)
	q.chunks.Set(start, data)

	q.writeIndex = end

	return nil
}

// cut removes queued data in [start, end), splitting chunks that straddle the edges
func (q *Queue) cut(start, end int64) {
	next := q.chunks.Find(start)

	var prev *skiplist.Element
	if next != nil {
		prev = next.Prev()
	} else {
		prev = q.chunks.Back()
	}

	if prev != nil {
		key := prev.Key().(int64)
		data := prev.Value.([]byte)
		prevEnd := key + int64(len(data))

		if prevEnd > start {
			prev.Value = data[:start-key]

			if prevEnd > end {
				q.chunks.Set(end, data[end-key:])
			}
		}
	}

	for elem := next; elem != nil; {
		key := elem.Key().(int64)
		if key >= end {
			break
		}

		data := elem.Value.([]byte)
		following := elem.Next()

		q.chunks.RemoveElement(elem)
		if key+int64(len(data)) > end {
			q.chunks.Set(end, data[end-key:])
		}

		elem = following
	}
}

// Length is the distance between write and read cursor in bytes
func (q *Queue) Length() int64 {
	q.Lock()
	defer q.Unlock()

	return q.length()
}

func (q *Queue) length() int64 {
	return lo.Max([]int64{q.writeIndex - q.readIndex, 0})
}

// Occupancy is the number of bytes actually held between the read and
// write cursors, not counting holes
func (q *Queue) Occupancy() int64 {
	q.Lock()
	defer q.Unlock()

	var n int64
	for elem := q.chunks.Front(); elem != nil; elem = elem.Next() {
		key := elem.Key().(int64)
		end := key + int64(len(elem.Value.([]byte)))

		from := lo.Max([]int64{key, q.readIndex})
		to := lo.Min([]int64{end, q.writeIndex})
		if to > from {
			n += to - from
		}
	}

	return n
}

func (q *Queue) WriteIndex() int64 {
	q.Lock()
	defer q.Unlock()

	return q.writeIndex
}

func (q *Queue) ReadIndex() int64 {
	q.Lock()
	defer q.Unlock()

	return q.readIndex
}

func (q *Queue) MaxLength() int64 {
	return q.maxLength
}

// SetMaxRewind sets how much already-read data is kept for Rewind
func (q *Queue) SetMaxRewind(n int64) {
	q.Lock()
	defer q.Unlock()

	q.maxRewind = alignDown(n, q.base)
	q.prune()
}

// SetPrebuf changes the prebuffer threshold. The queue goes back into
// prebuffering if it is currently empty
func (q *Queue) SetPrebuf(n int64) {
	q.Lock()
	defer q.Unlock()

	q.prebuf = lo.Min([]int64{alignDown(n, q.base), q.maxLength})
	if q.prebuf > 0 && q.readIndex >= q.writeIndex {
		q.inPrebuf = true
	}
}

// IsReadable reports whether the reader may pull data, taking the
// prebuffer state into account
func (q *Queue) IsReadable() bool {
	q.Lock()
	defer q.Unlock()

	return q.readable()
}

func (q *Queue) readable() bool {
	q.updatePrebuf()

	return !q.inPrebuf && q.length() > 0
}

func (q *Queue) updatePrebuf() {
	if q.inPrebuf {
		if q.length() >= q.prebuf {
			q.inPrebuf = false
		}

		return
	}

	if q.prebuf > 0 && q.readIndex >= q.writeIndex {
		q.inPrebuf = true
	}
}

// Peek returns up to n bytes starting at the read cursor without consuming
// them. Holes read as silence
func (q *Queue) Peek(n int) ([]byte, error) {
	q.Lock()
	defer q.Unlock()

	return q.peek(n)
}

func (q *Queue) peek(n int) ([]byte, error) {
	if !q.readable() {
		return nil, ErrNotReadable
	}

	size := alignDown(lo.Min([]int64{int64(n), q.length()}), q.base)
	if size == 0 {
		return nil, ErrNotReadable
	}

	out := make([]byte, size)
	for i := range out {
		out[i] = q.silence
	}

	start, end := q.readIndex, q.readIndex+size

	elem := q.chunks.Find(start)
	if elem != nil {
		if prev := elem.Prev(); prev != nil {
			elem = prev
		}
	} else {
		elem = q.chunks.Back()
	}

	for ; elem != nil; elem = elem.Next() {
		key := elem.Key().(int64)
		if key >= end {
			break
		}

		data := elem.Value.([]byte)
		from := lo.Max([]int64{key, start})
		to := lo.Min([]int64{key + int64(len(data)), end})
		if to > from {
			copy(out[from-start:to-start], data[from-key:to-key])
		}
	}

	return out, nil
}

// Drop advances the read cursor by n bytes
func (q *Queue) Drop(n int) {
	q.Lock()
	defer q.Unlock()

	q.drop(int64(n))
}

func (q *Queue) drop(n int64) {
	q.readIndex += n
	q.prune()
	q.updatePrebuf()
}

// Read pulls up to len(p) bytes from the read cursor
func (q *Queue) Read(p []byte) (int, error) {
	q.Lock()
	defer q.Unlock()

	data, err := q.peek(len(p))
	if err != nil {
		return 0, err
	}

	n := copy(p, data)
	q.drop(int64(n))

	return n, nil
}

// Rewind moves the read cursor back by up to n bytes, bounded by the max rewind
func (q *Queue) Rewind(n int64) int64 {
	q.Lock()
	defer q.Unlock()

	n = lo.Min([]int64{alignDown(n, q.base), q.maxRewind})
	q.readIndex -= n

	return n
}

// prune forgets chunks no longer reachable by the reader, even through a rewind
func (q *Queue) prune() {
	horizon := q.readIndex - q.maxRewind

	for {
		front := q.chunks.Front()
		if front == nil {
			return
		}

		key := front.Key().(int64)
		data := front.Value.([]byte)
		if key+int64(len(data)) > horizon {
			return
		}

		q.chunks.RemoveFront()
	}
}
