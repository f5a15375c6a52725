package job

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// SeqAllocator hands out monotonically increasing job IDs from a
// single 8-byte counter file, guarded by a blocking exclusive advisory
// lock so concurrent jobman/mkjob-equivalent processes never hand out
// the same ID twice.
type SeqAllocator struct {
	path string
}

func NewSeqAllocator(p Paths) *SeqAllocator {
	return &SeqAllocator{path: p.SeqFile()}
}

// Curr returns the current counter value without incrementing it.
func (s *SeqAllocator) Curr() (uint64, error) {
	return s.do(false)
}

// Next atomically increments and returns the new counter value.
func (s *SeqAllocator) Next() (uint64, error) {
	return s.do(true)
}

func (s *SeqAllocator) do(increment bool) (uint64, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0744)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lk := flock.New(s.path)
	if err := lk.Lock(); err != nil { // blocking exclusive lock
		return 0, err
	}
	defer lk.Unlock()

	var buf [8]byte
	n, err := readFullRetry(f, buf[:])
	if err != nil {
		return 0, err
	}
	var v uint64
	if n == 8 {
		v = binary.BigEndian.Uint64(buf[:])
	}
	if increment {
		v++
		binary.BigEndian.PutUint64(buf[:], v)
		if err := writeFullRetry(f, buf[:]); err != nil {
			return 0, err
		}
	}
	return v, nil
}

// readFullRetry mirrors the original allocator's retry-on-partial-read
// loop: reseek to 0 and retry until a full 8 bytes is read or the file
// is confirmed empty (a brand new counter file).
func readFullRetry(f *os.File, buf []byte) (int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if total == 0 {
				return 0, nil // empty file: fresh counter
			}
			if n == 0 {
				if _, serr := f.Seek(0, 0); serr != nil {
					return total, serr
				}
				continue
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func writeFullRetry(f *os.File, buf []byte) error {
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	total := 0
	for total < len(buf) {
		n, err := f.Write(buf[total:])
		total += n
		if err != nil {
			if _, serr := f.Seek(int64(total), 0); serr != nil {
				return serr
			}
			continue
		}
	}
	return nil
}
