package supervisor

import (
	"encoding/gob"
	"os"
	"sync"
	"time"

	"github.com/dchest/safefile"
)

// failedState persists the failed-queue backoff map across supervisor
// restarts: without it, a supervisor that restarts right after a
// queue's scheduler crashed would immediately retry it instead of
// waiting out the backoff window, since the in-memory map starts
// empty. Grounded on ingesters/utils/state.go's safefile.Create +
// gob.Encode/Commit pattern.
type failedState struct {
	mu    sync.Mutex
	fpath string
}

func newFailedState(fpath string) *failedState {
	return &failedState{fpath: fpath}
}

func (fs *failedState) save(failed map[string]time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fout, err := safefile.Create(fs.fpath, 0640)
	if err != nil {
		return err
	}
	name := fout.Name()
	if err := gob.NewEncoder(fout).Encode(failed); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(name)
		return err
	}
	return nil
}

func (fs *failedState) load() (map[string]time.Time, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, err := os.Open(fs.fpath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]time.Time{}, nil
		}
		return nil, err
	}
	defer f.Close()
	out := make(map[string]time.Time)
	if err := gob.NewDecoder(f).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
