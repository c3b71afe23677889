// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*DB, context.CancelFunc) {
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	logDB := NewDB(dbPath, &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))

	return logDB, cancel
}

func TestQuery(t *testing.T) {
	msg1 := Log{
		Level: LevelError,
		Time:  4000,
		Src:   "s1",
		Video: "v1",
		Msg:   "msg1",
	}
	msg2 := Log{
		Level: LevelWarning,
		Time:  3000,
		Src:   "s1",
		Msg:   "msg2",
	}
	msg3 := Log{
		Level: LevelInfo,
		Time:  2000,
		Src:   "s2",
		Video: "v2",
		Msg:   "msg3",
	}

	logDB, cancel := newTestDB(t)
	defer cancel()

	require.NoError(t, logDB.saveLog(msg1))
	require.NoError(t, logDB.saveLog(msg2))
	require.NoError(t, logDB.saveLog(msg3))

	cases := []struct {
		name     string
		input    Query
		expected []Log
	}{
		{
			name: "singleLevel",
			input: Query{
				Levels:  []Level{LevelWarning},
				Sources: []string{"s1"},
			},
			expected: []Log{msg2},
		},
		{
			name: "multipleLevels",
			input: Query{
				Levels:  []Level{LevelError, LevelWarning},
				Sources: []string{"s1"},
			},
			expected: []Log{msg1, msg2},
		},
		{
			name: "multipleSources",
			input: Query{
				Levels:  []Level{LevelError, LevelInfo},
				Sources: []string{"s1", "s2"},
			},
			expected: []Log{msg1, msg3},
		},
		{
			name: "singleVideo",
			input: Query{
				Videos: []string{"v1"},
			},
			expected: []Log{msg1},
		},
		{
			name:     "all",
			input:    Query{},
			expected: []Log{msg1, msg2, msg3},
		},
		{
			name:     "limit",
			input:    Query{Limit: 2},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "exactBefore",
			input:    Query{Before: 4000},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "before",
			input:    Query{Before: 3500},
			expected: []Log{msg2, msg3},
		},
		{
			name:     "beforeLast",
			input:    Query{Before: 9000, Limit: 1},
			expected: []Log{msg1},
		},
		{
			name:     "after",
			input:    Query{After: 2000},
			expected: []Log{msg1, msg2},
		},
		{
			name:     "window",
			input:    Query{Before: 4000, After: 2500},
			expected: []Log{msg2},
		},
		{
			name:     "none",
			input:    Query{Sources: []string{}},
			expected: nil,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, logs)
		})
	}
}

func TestQueryUnmarshalErr(t *testing.T) {
	logDB, cancel := newTestDB(t)
	defer cancel()

	err := logDB.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logsBucket).Put(encodeKey(1), []byte{0xff})
	})
	require.NoError(t, err)

	_, err = logDB.Query(Query{})
	require.Error(t, err)

	err = logDB.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(logsBucket).Put([]byte("invalid"), []byte("x"))
	})
	require.NoError(t, err)

	_, err = logDB.Query(Query{})
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.maxKeys = 3

		for i := 1; i <= 5; i++ {
			require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i)}))
		}

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Len(t, logs, 3)
		require.Equal(t, UnixMicro(5), logs[0].Time)
		require.Equal(t, 3, logDB.keys)
	})
	t.Run("sameTime", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		require.NoError(t, logDB.saveLog(Log{Time: 10, Msg: "a"}))
		require.NoError(t, logDB.saveLog(Log{Time: 10, Msg: "b"}))

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		require.Equal(t, "b", logs[0].Msg)
	})
	t.Run("reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs.db")
		wg := &sync.WaitGroup{}

		ctx, cancel := context.WithCancel(context.Background())
		logDB := NewDB(path, wg)
		require.NoError(t, logDB.Init(ctx))
		require.NoError(t, logDB.saveLog(Log{Time: 1, Msg: "a"}))
		cancel()
		wg.Wait()

		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		logDB = NewDB(path, wg)
		require.NoError(t, logDB.Init(ctx2))
		require.Equal(t, 1, logDB.keys)
	})
	t.Run("versionChange", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs.db")
		db, err := bolt.Open(path, 0o600, nil)
		require.NoError(t, err)
		err = db.Update(func(tx *bolt.Tx) error {
			meta, err := tx.CreateBucket(metaBucket)
			if err != nil {
				return err
			}
			if err := meta.Put(versionKey, []byte("1")); err != nil {
				return err
			}
			logs, err := tx.CreateBucket(logsBucket)
			if err != nil {
				return err
			}
			return logs.Put(encodeKey(1), []byte("old"))
		})
		require.NoError(t, err)
		require.NoError(t, db.Close())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		logDB := NewDB(path, &sync.WaitGroup{})
		require.NoError(t, logDB.Init(ctx))
		require.Equal(t, 0, logDB.keys)

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Empty(t, logs)
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := NewDB("/dev/null", &sync.WaitGroup{})
		require.Error(t, logDB.Init(context.Background()))
	})
}
