package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hlsconverter/orchestrator/internal/db"
)

const SystemNamespace = "orchestrator/"

const jobPrefix = "jobs/"

var errEncoding = errors.New("job encoding")

// PersistentStore keeps jobs as JSON documents in badger. Transitions are
// checked and written in one transaction.
type PersistentStore struct {
	dbStore *db.Store
}

var _ Store = (*PersistentStore)(nil)

func NewPersistentStore(dbStore *db.Store) *PersistentStore {
	return &PersistentStore{dbStore: dbStore}
}

func jobKey(id string) string { return jobPrefix + id }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func readJob(txn *badger.Txn, id string) (*Job, error) {
	data, err := db.GetTxn(txn, SystemNamespace, jobKey(id))
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, unavailable("get job", err)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %w", errEncoding, id, err)
	}
	return &j, nil
}

func writeJob(txn *badger.Txn, j *Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", errEncoding, j.ID, err)
	}
	return txn.Set([]byte(SystemNamespace+jobKey(j.ID)), data)
}

func (s *PersistentStore) Create(_ context.Context, j *Job) error {
	err := s.dbStore.Update(func(txn *badger.Txn) error {
		_, err := readJob(txn, j.ID)
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, j.ID)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		return writeJob(txn, j)
	})
	return s.classify("store job", err)
}

func (s *PersistentStore) Get(_ context.Context, id string) (*Job, error) {
	var j *Job
	err := s.dbStore.View(func(txn *badger.Txn) error {
		var err error
		j, err = readJob(txn, id)
		return err
	})
	if err != nil {
		return nil, s.classify("get job", err)
	}
	return j, nil
}

func (s *PersistentStore) UpdateStatus(_ context.Context, id string, next Status, f Fields) (*Job, error) {
	var (
		out     *Job
		blocked bool
	)
	err := s.dbStore.Update(func(txn *badger.Txn) error {
		blocked = false
		j, err := readJob(txn, id)
		if err != nil {
			return err
		}
		out = j
		if !j.Status.CanTransitionTo(next) {
			blocked = true
			return nil
		}
		apply(j, next, f, time.Now().UTC())
		return writeJob(txn, j)
	})
	if err != nil {
		return nil, s.classify("update job", err)
	}
	if blocked {
		return out, transitionError(id, out.Status, next)
	}
	return out, nil
}

func (s *PersistentStore) all() ([]*Job, error) {
	var jobs []*Job
	err := s.dbStore.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(SystemNamespace + jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if key == "" {
				continue
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list jobs", err)
	}
	return jobs, nil
}

func (s *PersistentStore) List(_ context.Context, f Filter) ([]*Job, int, error) {
	all, err := s.all()
	if err != nil {
		return nil, 0, err
	}
	jobs, total := page(all, f)
	return jobs, total, nil
}

func (s *PersistentStore) Stats(_ context.Context) (Counts, error) {
	var c Counts
	all, err := s.all()
	if err != nil {
		return c, err
	}
	for _, j := range all {
		c.add(j.Status, 1)
	}
	return c, nil
}

// classify leaves domain errors as they are and marks everything else as a
// store outage.
func (s *PersistentStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExists) ||
		errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrInvalidTransition) {
		return err
	}
	if errors.Is(err, errEncoding) {
		return err
	}
	return unavailable(op, err)
}
