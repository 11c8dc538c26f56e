package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v3"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	rwstore "github.com/gxo-labs/runway/pkg/runway/v1/store"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

const (
	workflowPrefix  = "wf:"
	executionPrefix = "exec:"
	historyPrefix   = "execidx:"
	logPrefix       = "log:"
	logSeqPrefix    = "logseq:"

	maxConflictRetries = 16
	gcInterval         = 5 * time.Minute
)

// BadgerStore implements store.Store on an embedded Badger database.
//
// Key layout:
//
//	wf:<workflowID>                              workflow JSON
//	exec:<executionID>                           execution JSON
//	execidx:<workflowID>:<inverted nanos>:<id>   history index, newest first
//	log:<executionID>:<seq>                      log entry JSON
//	logseq:<executionID>                         next log sequence number
type BadgerStore struct {
	db     *badger.DB
	log    rwlog.Logger
	stopGC chan struct{}
	done   chan struct{}
}

// BadgerOptions returns the default options for dir with engine logging.
func BadgerOptions(dir string, log rwlog.Logger) badger.Options {
	opts := badger.DefaultOptions(dir)
	if log != nil {
		opts.Logger = &badgerLogger{log: log.With("component", "badger")}
	} else {
		opts.Logger = nil
	}
	return opts
}

// OpenBadgerStore opens (or creates) a store in dir and starts periodic
// value-log garbage collection.
func OpenBadgerStore(dir string, log rwlog.Logger) (*BadgerStore, error) {
	return OpenBadgerStoreWithOptions(BadgerOptions(dir, log), log)
}

// OpenBadgerStoreWithOptions opens a store with caller-tuned options, e.g.
// InMemory for tests.
func OpenBadgerStoreWithOptions(opts badger.Options, log rwlog.Logger) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	s := &BadgerStore{
		db:     db,
		log:    log,
		stopGC: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.runGarbageCollection()
	return s, nil
}

// DB exposes the underlying database so a BadgerQueue can share it.
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) runGarbageCollection() {
	defer close(s.done)
	if s.db.Opts().InMemory {
		<-s.stopGC
		return
	}
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.log != nil {
				s.log.Errorf("badger value log GC failed: %v", err)
			}
		}
	}
}

func (s *BadgerStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	var wf *workflow.Workflow
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(workflowPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rwerrors.NewWorkflowNotFoundError(id)
		}
		if err != nil {
			return err
		}
		data, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		wf, err = decodeWorkflow(data)
		return err
	})
	return wf, err
}

func (s *BadgerStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return rwerrors.NewValidationError("workflow must have an id", nil)
	}
	data, err := encode(wf)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(workflowPrefix+wf.ID), data)
	})
}

func (s *BadgerStore) ListWorkflows(_ context.Context) ([]*workflow.Workflow, error) {
	var out []*workflow.Workflow
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(workflowPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			wf, err := decodeWorkflow(data)
			if err != nil {
				return err
			}
			out = append(out, wf)
		}
		return nil
	})
	return out, err
}

func historyKey(exec *workflow.Execution) []byte {
	inverted := math.MaxInt64 - exec.CreatedAt.UnixNano()
	return []byte(fmt.Sprintf("%s%s:%020d:%s", historyPrefix, exec.WorkflowID, inverted, exec.ID))
}

func (s *BadgerStore) CreateExecution(_ context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return rwerrors.NewValidationError("execution must have an id", nil)
	}
	data, err := encode(exec)
	if err != nil {
		return fmt.Errorf("encode execution: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(executionPrefix + exec.ID)
		if _, err := txn.Get(key); err == nil {
			return rwerrors.NewValidationError("execution already exists: "+exec.ID, nil)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(historyKey(exec), []byte(exec.ID))
	})
}

func (s *BadgerStore) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	var exec *workflow.Execution
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		exec, err = getExecutionTxn(txn, id)
		return err
	})
	return exec, err
}

func getExecutionTxn(txn *badger.Txn, id string) (*workflow.Execution, error) {
	item, err := txn.Get([]byte(executionPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, rwerrors.NewExecutionNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeExecution(data)
}

// UpdateExecution runs mutate inside a read-write transaction. Badger
// aborts a transaction that raced with another writer, so the update is
// retried from a fresh read.
func (s *BadgerStore) UpdateExecution(_ context.Context, id string, mutate rwstore.MutateFunc) (*workflow.Execution, error) {
	var result *workflow.Execution
	err := s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			exec, err := getExecutionTxn(txn, id)
			if err != nil {
				return err
			}
			if err := mutate(exec); err != nil {
				return err
			}
			data, err := encode(exec)
			if err != nil {
				return fmt.Errorf("encode execution: %w", err)
			}
			if err := txn.Set([]byte(executionPrefix+id), data); err != nil {
				return err
			}
			result = exec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BadgerStore) ListExecutions(_ context.Context, workflowID string, offset, limit int) ([]*workflow.Execution, int, error) {
	var out []*workflow.Execution
	total := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(historyPrefix + workflowID + ":")
		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ids = append(ids, string(data))
		}
		total = len(ids)
		start, end := pageBounds(total, offset, limit)
		for _, id := range ids[start:end] {
			exec, err := getExecutionTxn(txn, id)
			if err != nil {
				return err
			}
			out = append(out, exec)
		}
		return nil
	})
	return out, total, err
}

func (s *BadgerStore) AppendLog(_ context.Context, executionID string, entries ...workflow.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		data, err := encode(e)
		if err != nil {
			return fmt.Errorf("encode log entry: %w", err)
		}
		encoded[i] = data
	}

	return s.retryOnConflict(func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			if _, err := txn.Get([]byte(executionPrefix + executionID)); errors.Is(err, badger.ErrKeyNotFound) {
				return rwerrors.NewExecutionNotFoundError(executionID)
			} else if err != nil {
				return err
			}

			seqKey := []byte(logSeqPrefix + executionID)
			next := uint64(0)
			item, err := txn.Get(seqKey)
			switch {
			case err == nil:
				raw, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				next, err = strconv.ParseUint(string(raw), 10, 64)
				if err != nil {
					return fmt.Errorf("corrupt log sequence for %s: %w", executionID, err)
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			for _, data := range encoded {
				key := []byte(fmt.Sprintf("%s%s:%010d", logPrefix, executionID, next))
				if err := txn.Set(key, data); err != nil {
					return err
				}
				next++
			}
			return txn.Set(seqKey, []byte(strconv.FormatUint(next, 10)))
		})
	})
}

func (s *BadgerStore) ReadLog(_ context.Context, executionID string) ([]workflow.LogEntry, error) {
	var out []workflow.LogEntry
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(executionPrefix + executionID)); errors.Is(err, badger.ErrKeyNotFound) {
			return rwerrors.NewExecutionNotFoundError(executionID)
		} else if err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(logPrefix + executionID + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, err := decodeLogEntry(data)
			if err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if out == nil && err == nil {
		out = []workflow.LogEntry{}
	}
	return out, err
}

func (s *BadgerStore) retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = fn()
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Close stops garbage collection and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.stopGC:
	default:
		close(s.stopGC)
	}
	<-s.done
	return s.db.Close()
}

type badgerLogger struct {
	log rwlog.Logger
}

func (l *badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf(f, v...) }
func (l *badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf(f, v...) }
func (l *badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf(f, v...) }
func (l *badgerLogger) Debugf(f string, v ...interface{})   { l.log.Debugf(f, v...) }

var _ rwstore.Store = (*BadgerStore)(nil)
