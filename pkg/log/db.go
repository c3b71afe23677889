// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	logsBucket = []byte("logs")
	metaBucket = []byte("meta")
	versionKey = []byte("version")
)

// Stored in the meta bucket. Logs written with
// another version are dropped on Init.
const dbVersion = "2"

const defaultMaxKeys = 100000

// ErrInvalidKey key is not a big endian timestamp.
var ErrInvalidKey = errors.New("invalid key")

// DB keeps logs in a bbolt database, keyed by time.
type DB struct {
	path    string
	maxKeys int
	keys    int

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for the last log to be saved before closing db.
	saving sync.WaitGroup
}

// NewDB returns a log database, Init must be called before use.
func NewDB(path string, wg *sync.WaitGroup) *DB {
	return &DB{
		path:    path,
		maxKeys: defaultMaxKeys,
		wg:      wg,
	}
}

// Init opens the database, it is closed when ctx is canceled.
func (logDB *DB) Init(ctx context.Context) error {
	db, err := bolt.Open(logDB.path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("open database %v: %w", logDB.path, err)
	}
	if err := db.Update(logDB.migrate); err != nil {
		db.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		defer logDB.wg.Done()
		<-ctx.Done()
		logDB.saving.Wait()
		db.Close()
	}()
	return nil
}

func (logDB *DB) migrate(tx *bolt.Tx) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return err
	}
	if string(meta.Get(versionKey)) != dbVersion {
		err := tx.DeleteBucket(logsBucket)
		if err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		if err := meta.Put(versionKey, []byte(dbVersion)); err != nil {
			return err
		}
	}
	logs, err := tx.CreateBucketIfNotExists(logsBucket)
	if err != nil {
		return err
	}
	logDB.keys = logs.Stats().KeyN
	return nil
}

// SaveLogs saves logs from the logger feed until ctx is canceled.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	feed, cancel := l.Subscribe()
	defer cancel()

	logDB.saving.Add(1)
	defer logDB.saving.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-feed:
			if !ok {
				return
			}
			if err := logDB.saveLog(log); err != nil {
				fmt.Fprintf(os.Stderr, "could not save log: %v %v\n", log.Msg, err)
			}
		}
	}
}

// Not safe for concurrent use, SaveLogs is the only writer.
func (logDB *DB) saveLog(log Log) error {
	value, err := cbor.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal log: %w", err)
	}

	keys := logDB.keys
	err = logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logsBucket)
		if err := b.Put(freeKey(b, log.Time), value); err != nil {
			return err
		}
		keys++

		// Oldest first.
		c := b.Cursor()
		for k, _ := c.First(); k != nil && keys > logDB.maxKeys; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete oldest log: %w", err)
			}
			keys--
		}
		return nil
	})
	if err != nil {
		return err
	}
	logDB.keys = keys
	return nil
}

// Logs from the same microsecond get the next free key.
func freeKey(b *bolt.Bucket, t UnixMicro) []byte {
	key := encodeKey(t)
	for b.Get(key) != nil {
		binary.BigEndian.PutUint64(key, binary.BigEndian.Uint64(key)+1)
	}
	return key
}

func encodeKey(t UnixMicro) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t))
	return key
}

// Query log filter. Nil slices match everything.
type Query struct {
	Levels  []Level
	Sources []string
	Videos  []string
	Before  UnixMicro // Exclusive, 0 means now.
	After   UnixMicro // Exclusive.
	Limit   int       // 0 means no limit.
}

func (q Query) match(log Log) bool {
	return (q.Levels == nil || slices.Contains(q.Levels, log.Level)) &&
		(q.Sources == nil || slices.Contains(q.Sources, log.Src)) &&
		(q.Videos == nil || slices.Contains(q.Videos, log.Video))
}

// Query returns the matching logs, newest first.
func (logDB *DB) Query(q Query) ([]Log, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = logDB.maxKeys
	}

	var logs []Log
	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()

		k, v := c.Last()
		if q.Before != 0 {
			if k, _ = c.Seek(encodeKey(q.Before)); k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(logs) < limit; k, v = c.Prev() {
			if len(k) != 8 {
				return fmt.Errorf("%w: %x", ErrInvalidKey, k)
			}
			if q.After != 0 && UnixMicro(binary.BigEndian.Uint64(k)) <= q.After {
				break
			}
			var log Log
			if err := cbor.Unmarshal(v, &log); err != nil {
				return fmt.Errorf("unmarshal log: %w", err)
			}
			if q.match(log) {
				logs = append(logs, log)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}
