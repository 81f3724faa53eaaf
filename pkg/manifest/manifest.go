// Package manifest keeps a local history of download runs and the files
// each run produced.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/mwc10/harmony-dl/pkg/raster"
)

var (
	bucketRuns  = []byte("runs")
	bucketFiles = []byte("files")
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord describes one download run.
type RunRecord struct {
	ID         string    `json:"id"`
	XMLPath    string    `json:"xml_path"`
	Plate      string    `json:"plate"`
	Action     string    `json:"action"`
	OutputDir  string    `json:"output_dir"`
	Units      int       `json:"units"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Files      int       `json:"files"`
}

// FileRecord describes one output file of a run.
type FileRecord struct {
	Name   string        `json:"name"`
	Stack  string        `json:"stack"`
	Planes int           `json:"planes"`
	Bytes  int64         `json:"bytes"`
	Stats  *raster.Stats `json:"stats,omitempty"`
}

// Store is a bbolt-backed manifest. It is safe for concurrent use.
type Store struct {
	db *bbolt.DB

	// serializes read-modify-write of run records
	mu sync.Mutex
}

// Open opens or creates the manifest at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRuns); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing manifest %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginRun stores run with a fresh ID, the running status and, when
// unset, the current time as start.
func (s *Store) BeginRun(run RunRecord) (string, error) {
	run.ID = uuid.NewString()
	run.Status = StatusRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(bucketRuns), []byte(run.ID), run)
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// RecordFile appends f to the files of run id.
func (s *Store) RecordFile(id string, f FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		run.Files++
		if err := putJSON(tx.Bucket(bucketRuns), []byte(id), run); err != nil {
			return err
		}
		return putJSON(tx.Bucket(bucketFiles), fileKey(id, f.Name), f)
	})
}

// FinishRun marks run id as succeeded when runErr is nil and as failed
// otherwise.
func (s *Store) FinishRun(id string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		run.FinishedAt = time.Now()
		run.Status = StatusSucceeded
		if runErr != nil {
			run.Status = StatusFailed
			run.Error = runErr.Error()
		}
		return putJSON(tx.Bucket(bucketRuns), []byte(id), run)
	})
}

// Run returns the record of run id.
func (s *Store) Run(id string) (*RunRecord, error) {
	var run *RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		run, err = getRun(tx, id)
		return err
	})
	return run, err
}

// Runs returns every run, oldest first.
func (s *Store) Runs() ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(k, v []byte) error {
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decoding run %s: %w", k, err)
			}
			runs = append(runs, run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

// Files returns the files recorded for run id, ordered by name.
func (s *Store) Files(id string) ([]FileRecord, error) {
	var files []FileRecord
	prefix := fileKey(id, "")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFiles).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var f FileRecord
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("decoding file %s: %w", k, err)
			}
			files = append(files, f)
		}
		return nil
	})
	return files, err
}

func getRun(tx *bbolt.Tx, id string) (*RunRecord, error) {
	data := tx.Bucket(bucketRuns).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	var run RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return &run, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func fileKey(runID, name string) []byte {
	return []byte(runID + "/" + name)
}
