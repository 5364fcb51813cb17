// Package ring implements the lock-free single-producer/single-consumer
// request channel used between the manager and each isolated worker.
//
// The channel is a byte region shared between exactly two goroutines (or,
// in a real deployment, two threads mapped onto the same shared-memory
// segment). Readiness is encoded inline: the low bit of every byte is a
// marker (1 = full, 0 = empty), so there is no separate index the two
// sides must keep coherent — see spec §4.1. Reads and writes of a block
// go through sync/atomic on the block's 8 bytes reinterpreted as a single
// uint64, which is the idiomatic Go stand-in for the full memory fence
// the original algorithm relies on: an atomic store establishes a
// happens-before edge with a subsequent atomic load of the same word
// (Go Memory Model, "Sync from atomics"), which is exactly the publish/
// observe discipline this protocol needs.
package ring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrWouldBlock is returned by Write when fewer blocks are free than
	// the request needs. Transient: the caller is expected to retry.
	ErrWouldBlock = errors.New("ring: write would block")
	// ErrEmpty is returned by Read when a full first block is not yet
	// present. Transient.
	ErrEmpty = errors.New("ring: no complete request available")
	// ErrBufferTooSmall is returned by Read when the caller's output
	// buffer cannot hold the decoded payload.
	ErrBufferTooSmall = errors.New("ring: output buffer too small")
	// ErrRegionSize is returned by New when the region size is not a
	// positive multiple of the block size.
	ErrRegionSize = errors.New("ring: region size must be a positive multiple of 8")
)

// Region is the shared byte area backing one direction of one slot's
// channel pair. Exactly one Writer and one Reader may be constructed over
// the same Region; they must run on distinct goroutines/threads and must
// not share cursor state (see spec §9, "pointer-graph channel descriptors").
type Region struct {
	buf []byte
}

// NewRegion allocates a zeroed region of the given size, which must be a
// positive multiple of the block size.
func NewRegion(size int) (*Region, error) {
	if size <= 0 || size%blockSize != 0 {
		return nil, ErrRegionSize
	}
	return &Region{buf: make([]byte, size)}, nil
}

func loadBlock(buf []byte, pos int) [blockSize]byte {
	ptr := (*uint64)(unsafe.Pointer(&buf[pos]))
	var block [blockSize]byte
	binary.LittleEndian.PutUint64(block[:], atomic.LoadUint64(ptr))
	return block
}

func storeBlock(buf []byte, pos int, block [blockSize]byte) {
	ptr := (*uint64)(unsafe.Pointer(&buf[pos]))
	atomic.StoreUint64(ptr, binary.LittleEndian.Uint64(block[:]))
}

func blockFullAt(buf []byte, pos int) bool {
	return blockFull(loadBlockSlice(buf, pos))
}

func loadBlockSlice(buf []byte, pos int) []byte {
	b := loadBlock(buf, pos)
	out := make([]byte, blockSize)
	copy(out, b[:])
	return out
}

// Writer is the single producer side of a Region. Only one goroutine may
// use a Writer at a time.
type Writer struct {
	r    *Region
	size int
	head int // next position to write, mod size
	tail int // writer's private view of the reader's consumption point
	used int // bytes between tail and head that writer still considers in flight
}

// NewWriter constructs the writer end of region. The region must start
// out fully zeroed (empty).
func NewWriter(r *Region) *Writer {
	return &Writer{r: r, size: len(r.buf)}
}

func (w *Writer) free() int { return w.size - w.used }

// reclaim advances the writer's private read-cursor over any bytes the
// reader has zeroed, in byte-sized steps as spec §4.1 describes.
func (w *Writer) reclaim() {
	for w.used > 0 && w.r.buf[w.tail]&1 == 0 {
		w.tail = (w.tail + 1) % w.size
		w.used--
	}
}

// Write encodes and enqueues one request. It never blocks: if there is
// not enough free space it returns ErrWouldBlock immediately and
// publishes no marker bits (no partial write), matching spec §8.
func (w *Writer) Write(reqType byte, payload []byte) error {
	w.reclaim()

	total := 5 + len(payload)
	if total > 0xffffffff {
		return errors.New("ring: payload too large")
	}
	n := blocksFor(total)
	encodedLen := n * blockSize
	if w.free() < encodedLen {
		return ErrWouldBlock
	}

	plain := make([]byte, n*payloadPerBlock)
	plain[0] = reqType
	binary.LittleEndian.PutUint32(plain[1:5], uint32(total))
	copy(plain[5:], payload)

	blocks := make([][blockSize]byte, n)
	for i := 0; i < n; i++ {
		start := i * payloadPerBlock
		blocks[i] = encodeBlock(plain[start : start+payloadPerBlock])
	}

	// Emit in reverse order within the run so the header block (always
	// block 0) is published last: the reader can never observe it full
	// while a trailing block is still empty, so it never reads a
	// truncated request.
	for i := n - 1; i >= 0; i-- {
		pos := (w.head + i*blockSize) % w.size
		storeBlock(w.r.buf, pos, blocks[i])
	}

	w.head = (w.head + encodedLen) % w.size
	w.used += encodedLen
	return nil
}

// Reader is the single consumer side of a Region. Only one goroutine may
// use a Reader at a time.
type Reader struct {
	r    *Region
	size int
	pos  int // next position to read, mod size
	seen int // bytes discovered full starting at pos, not yet consumed
}

// NewReader constructs the reader end of region.
func NewReader(r *Region) *Reader {
	return &Reader{r: r, size: len(r.buf)}
}

// discover advances seen over contiguous full blocks starting at pos+seen.
func (rd *Reader) discover() {
	for rd.seen < rd.size {
		pos := (rd.pos + rd.seen) % rd.size
		if !blockFullAt(rd.r.buf, pos) {
			break
		}
		rd.seen += blockSize
	}
}

// HasData reports whether at least one full block is available to read.
// This is the cheap check the worker's suspension-check fast path uses
// (spec §4.2): it loads the block just past the discovered run, plus one
// more block for each newly written one it finds there.
func (rd *Reader) HasData() bool {
	rd.discover()
	return rd.seen >= blockSize
}

// Read decodes and dequeues the next request, copying its payload into
// out if out is non-nil and large enough. If out is nil, Read allocates
// a buffer sized exactly to the payload.
func (rd *Reader) Read(out []byte) (reqType byte, payload []byte, err error) {
	rd.discover()
	if rd.seen < blockSize {
		return 0, nil, ErrEmpty
	}

	header := decodeBlock(loadBlock(rd.r.buf, rd.pos))
	reqType = header[0]
	total := int(binary.LittleEndian.Uint32(header[1:5]))
	n := blocksFor(total)
	encodedLen := n * blockSize
	if rd.seen < encodedLen {
		return 0, nil, ErrEmpty
	}

	payloadLen := total - 5
	if out != nil && len(out) < payloadLen {
		return 0, nil, ErrBufferTooSmall
	}

	plain := make([]byte, n*payloadPerBlock)
	for i := 0; i < n; i++ {
		pos := (rd.pos + i*blockSize) % rd.size
		block := decodeBlock(loadBlock(rd.r.buf, pos))
		copy(plain[i*payloadPerBlock:], block[:])
	}

	if out != nil {
		copy(out, plain[5:5+payloadLen])
		payload = out[:payloadLen]
	} else {
		payload = make([]byte, payloadLen)
		copy(payload, plain[5:5+payloadLen])
	}

	// Release: clear consumed blocks so the writer can reclaim the space.
	// This is the producer-visible release of the region.
	var zero [blockSize]byte
	for i := 0; i < n; i++ {
		pos := (rd.pos + i*blockSize) % rd.size
		storeBlock(rd.r.buf, pos, zero)
	}

	rd.pos = (rd.pos + encodedLen) % rd.size
	rd.seen -= encodedLen
	return reqType, payload, nil
}
