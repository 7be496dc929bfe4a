package shared

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hlsconverter/orchestrator/internal/db"
)

const localNamespace = "shared/"

// listOrigin is the initial head/tail index of an empty list, leaving room to
// push in both directions.
const listOrigin = uint64(1) << 62

// Local implements Store on an embedded badger database. It is durable but
// confined to one process; schedulers in the same process share it the same
// way separate processes share Redis.
type Local struct {
	store *db.Store

	mu      sync.Mutex
	pushed  chan struct{}
	subs    map[string]map[chan string]struct{}
	closeFn func() error
}

var _ Store = (*Local)(nil)

// NewLocal wraps an open badger store. closeStore controls whether Close also
// closes it.
func NewLocal(store *db.Store, closeStore bool) *Local {
	l := &Local{
		store:  store,
		pushed: make(chan struct{}),
		subs:   make(map[string]map[chan string]struct{}),
	}
	if closeStore {
		l.closeFn = store.Close
	}
	return l
}

// NewMemory returns a Local backed by an in-memory badger instance.
func NewMemory() (*Local, error) {
	store, err := db.NewMemoryStore()
	if err != nil {
		return nil, err
	}
	return NewLocal(store, true), nil
}

func (l *Local) Close() error {
	if l.closeFn != nil {
		return l.closeFn()
	}
	return nil
}

func listKey(key, part string) string { return "list/" + key + "/" + part }

func itemKey(key string, idx uint64) string {
	return fmt.Sprintf("list/%s/item/%016x", key, idx)
}

func counterKey(key string) string { return "counter/" + key }
func flagKey(key string) string    { return "flag/" + key }

func readUint(txn *badger.Txn, key string, fallback uint64) (uint64, error) {
	v, err := db.GetTxn(txn, localNamespace, key)
	if errors.Is(err, db.ErrKeyNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func writeUint(txn *badger.Txn, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set([]byte(localNamespace+key), buf)
}

func readInt(txn *badger.Txn, key string) (int64, error) {
	v, err := readUint(txn, key, 0)
	return int64(v), err
}

func writeInt(txn *badger.Txn, key string, v int64) error {
	return writeUint(txn, key, uint64(v))
}

func (l *Local) bounds(txn *badger.Txn, key string) (head, tail uint64, err error) {
	if head, err = readUint(txn, listKey(key, "head"), listOrigin); err != nil {
		return 0, 0, err
	}
	if tail, err = readUint(txn, listKey(key, "tail"), listOrigin); err != nil {
		return 0, 0, err
	}
	return head, tail, nil
}

func (l *Local) PushBack(_ context.Context, key, value string) error {
	err := l.store.Update(func(txn *badger.Txn) error {
		_, tail, err := l.bounds(txn, key)
		if err != nil {
			return err
		}
		if err := txn.Set([]byte(localNamespace+itemKey(key, tail)), []byte(value)); err != nil {
			return err
		}
		return writeUint(txn, listKey(key, "tail"), tail+1)
	})
	if err != nil {
		return wrap("push-back", key, err)
	}
	l.notifyPushed()
	return nil
}

func (l *Local) PushFront(_ context.Context, key, value string) error {
	err := l.store.Update(func(txn *badger.Txn) error {
		head, tail, err := l.bounds(txn, key)
		if err != nil {
			return err
		}
		head--
		if err := txn.Set([]byte(localNamespace+itemKey(key, head)), []byte(value)); err != nil {
			return err
		}
		if err := writeUint(txn, listKey(key, "tail"), tail); err != nil {
			return err
		}
		return writeUint(txn, listKey(key, "head"), head)
	})
	if err != nil {
		return wrap("push-front", key, err)
	}
	l.notifyPushed()
	return nil
}

func (l *Local) tryPop(key string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := l.store.Update(func(txn *badger.Txn) error {
		ok = false
		head, tail, err := l.bounds(txn, key)
		if err != nil || head >= tail {
			return err
		}
		ik := itemKey(key, head)
		v, err := db.GetTxn(txn, localNamespace, ik)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(localNamespace + ik)); err != nil {
			return err
		}
		value, ok = string(v), true
		return writeUint(txn, listKey(key, "head"), head+1)
	})
	if err != nil {
		return "", false, wrap("pop-front", key, err)
	}
	return value, ok, nil
}

func (l *Local) PopFront(ctx context.Context, key string, timeout time.Duration) (string, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		// Grab the wake channel before looking so a push between the look and
		// the wait is not missed.
		l.mu.Lock()
		pushed := l.pushed
		l.mu.Unlock()

		v, ok, err := l.tryPop(key)
		if err != nil || ok {
			return v, ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", false, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-pushed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Local) notifyPushed() {
	l.mu.Lock()
	close(l.pushed)
	l.pushed = make(chan struct{})
	l.mu.Unlock()
}

func (l *Local) Len(_ context.Context, key string) (int64, error) {
	var n int64
	err := l.store.View(func(txn *badger.Txn) error {
		head, tail, err := l.bounds(txn, key)
		n = int64(tail - head)
		return err
	})
	return n, wrap("len", key, err)
}

func (l *Local) IncrBelow(_ context.Context, key string, ceiling int64) (bool, error) {
	var ok bool
	err := l.store.Update(func(txn *badger.Txn) error {
		ok = false
		n, err := readInt(txn, counterKey(key))
		if err != nil || n >= ceiling {
			return err
		}
		ok = true
		return writeInt(txn, counterKey(key), n+1)
	})
	return ok, wrap("incr-below", key, err)
}

func (l *Local) DecrFloor(_ context.Context, key string) (int64, bool, error) {
	var (
		value   int64
		clamped bool
	)
	err := l.store.Update(func(txn *badger.Txn) error {
		n, err := readInt(txn, counterKey(key))
		if err != nil {
			return err
		}
		if n <= 0 {
			value, clamped = 0, true
			return writeInt(txn, counterKey(key), 0)
		}
		value, clamped = n-1, false
		return writeInt(txn, counterKey(key), n-1)
	})
	return value, clamped, wrap("decr-floor", key, err)
}

func (l *Local) Counter(_ context.Context, key string) (int64, error) {
	var n int64
	err := l.store.View(func(txn *badger.Txn) error {
		var err error
		n, err = readInt(txn, counterKey(key))
		return err
	})
	return n, wrap("get", key, err)
}

func (l *Local) SetCounter(_ context.Context, key string, value int64) error {
	err := l.store.Update(func(txn *badger.Txn) error {
		return writeInt(txn, counterKey(key), value)
	})
	return wrap("set", key, err)
}

func (l *Local) Flag(_ context.Context, key string) (bool, error) {
	v, err := l.store.Get(localNamespace, flagKey(key))
	if errors.Is(err, db.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrap("get", key, err)
	}
	return string(v) == "1", nil
}

func (l *Local) SetFlag(_ context.Context, key string, value bool) error {
	v := "0"
	if value {
		v = "1"
	}
	return wrap("set", key, l.store.Set(localNamespace, flagKey(key), []byte(v)))
}

func (l *Local) Publish(_ context.Context, channel, message string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- message:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	ch := make(chan string, 16)

	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[chan string]struct{})
	}
	l.subs[channel][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[channel], ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}
