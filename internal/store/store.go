// Package store implements the append-only, indexed message store of
// spec.md §4.4: a single file of concatenated {u16 length, payload} frames
// with an in-memory index from sequence number to file offset, built by
// scanning the file on open so a restarted process recovers num_messages
// and random-access reads without replaying anything upstream.
package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/malbeclabs/moldbus/internal/wire"
)

// ErrNotOpen is returned by operations that require an open store.
var ErrNotOpen = fmt.Errorf("store: not open")

// Store is an append-only, indexed sequence of event payloads, numbered
// from 1. It is the single writer of its backing file; nothing else in
// the process touches it directly (spec.md §5).
type Store struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	offsets []int64 // offsets[i] is the file offset of message i+1's length prefix
	scratch []byte  // single-owner acquire/commit scratch buffer
}

// New creates an unopened Store. scratchSize bounds the largest burst
// Acquire can hand out in one go; it must be at least wire.MaxMessageSize.
func New(scratchSize int) *Store {
	if scratchSize < wire.MaxMessageSize {
		scratchSize = wire.MaxMessageSize
	}
	return &Store{scratch: make([]byte, scratchSize)}
}

// Open opens (creating if necessary) the store file at path, replaying its
// existing frames to rebuild the offset index. Open is idempotent for the
// same path; opening a different path while already open fails.
func (s *Store) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if s.path == path {
			return nil
		}
		return fmt.Errorf("store: already open at %q", s.path)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("store: open %q: %w", path, err)
	}

	offsets, err := scanIndex(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("store: replay %q: %w", path, err)
	}

	s.path = path
	s.file = f
	s.offsets = offsets
	return nil
}

// Close closes the backing file and returns the store to its unopened
// state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.path = ""
	s.offsets = nil
	return err
}

func scanIndex(f *os.File) ([]int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var offsets []int64
	r := bufio.NewReader(f)
	var off int64
	var lenBuf [2]byte
	for {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				// Truncated trailing frame from a crash mid-write; stop
				// indexing at the last complete frame.
				break
			}
			return nil, err
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		offsets = append(offsets, off)
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				offsets = offsets[:len(offsets)-1]
				break
			}
			return nil, err
		}
		off += 2 + int64(n)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return offsets, nil
}

// Acquire returns the single-owner scratch buffer that Commit will read
// messages from. Callers must commit before the next Acquire.
func (s *Store) Acquire() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scratch
}

// Commit appends count contiguous messages found in the acquired buffer
// starting at byte offset, with the given per-message lengths, as a single
// atomic group: either all become visible (num_messages increases by
// count) or none do.
func (s *Store) Commit(lengths []int, offset int, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrNotOpen
	}
	if count > len(lengths) {
		return fmt.Errorf("store: commit count %d exceeds %d lengths given", count, len(lengths))
	}

	// Build the full on-disk burst in memory first so a short write can't
	// leave a partial frame, then write it in one Write call.
	var total int
	for i := 0; i < count; i++ {
		total += 2 + lengths[i]
	}
	burst := make([]byte, 0, total)
	cur := offset
	newOffsets := make([]int64, 0, count)
	baseOff, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("store: seek end: %w", err)
	}
	runningOff := baseOff
	for i := 0; i < count; i++ {
		n := lengths[i]
		if cur+n > len(s.scratch) {
			return fmt.Errorf("store: message %d overruns scratch buffer", i)
		}
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		burst = append(burst, lenBuf[:]...)
		burst = append(burst, s.scratch[cur:cur+n]...)
		newOffsets = append(newOffsets, runningOff)
		runningOff += 2 + int64(n)
		cur += n
	}

	if _, err := s.file.Write(burst); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("store: fsync: %w", err)
	}

	s.offsets = append(s.offsets, newOffsets...)
	return nil
}

// NumMessages returns the number of committed messages.
func (s *Store) NumMessages() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.offsets))
}

// Read reads the seqNum-th payload (1-based) into dest at destOffset,
// returning the number of bytes written. It fails if seqNum is out of
// [1, NumMessages()].
func (s *Store) Read(dest []byte, destOffset int, seqNum uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, ErrNotOpen
	}
	if seqNum < 1 || seqNum > uint64(len(s.offsets)) {
		return 0, fmt.Errorf("store: seq_num %d out of range [1,%d]", seqNum, len(s.offsets))
	}
	off := s.offsets[seqNum-1]
	var lenBuf [2]byte
	if _, err := s.file.ReadAt(lenBuf[:], off); err != nil {
		return 0, fmt.Errorf("store: read length prefix: %w", err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	if destOffset+n > len(dest) {
		return 0, fmt.Errorf("store: dest buffer too small: need %d bytes from offset %d", n, destOffset)
	}
	if _, err := s.file.ReadAt(dest[destOffset:destOffset+n], off+2); err != nil {
		return 0, fmt.Errorf("store: read payload: %w", err)
	}
	return n, nil
}
