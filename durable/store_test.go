package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewInMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "watchdog.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLiteStore(db, "")
		},
		"redis": func(t *testing.T) Store {
			return NewRedisStore(newFakeRedis(), "test:")
		},
	}
}

func TestStoreSaveInstanceVersioning(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)

			rec := &InstanceRecord{
				InstanceID:    "start-watchdog_P1",
				Name:          "flow",
				Input:         json.RawMessage(`"P1"`),
				RuntimeStatus: StatusRunning,
			}
			version, err := store.SaveInstance(ctx, rec, 0)
			require.NoError(t, err)
			assert.Equal(t, 1, version)

			_, err = store.SaveInstance(ctx, rec, 0)
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeVersionConflict))

			loaded, err := store.LoadInstance(ctx, "start-watchdog_P1")
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, 1, loaded.Version)
			assert.JSONEq(t, `"P1"`, string(loaded.Input))
			assert.Equal(t, StatusRunning, loaded.RuntimeStatus)
			assert.False(t, loaded.CreatedAt.IsZero())

			loaded.CustomStatus = json.RawMessage(`{"message":"Getting next task"}`)
			version, err = store.SaveInstance(ctx, loaded, 1)
			require.NoError(t, err)
			assert.Equal(t, 2, version)

			_, err = store.SaveInstance(ctx, loaded, 1)
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeVersionConflict))

			again, err := store.LoadInstance(ctx, "start-watchdog_P1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"message":"Getting next task"}`, string(again.CustomStatus))
		})
	}
}

func TestStoreLoadMissingInstance(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			rec, err := factory(t).LoadInstance(context.Background(), "missing")
			require.NoError(t, err)
			assert.Nil(t, rec)
		})
	}
}

func TestStoreListInstancesFilters(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			seed := []*InstanceRecord{
				{InstanceID: "a", Name: "flow", RuntimeStatus: StatusRunning},
				{InstanceID: "b", Name: "flow", RuntimeStatus: StatusCompleted},
				{InstanceID: "c", Name: "child", ParentID: "a", RuntimeStatus: StatusTerminated},
			}
			for _, rec := range seed {
				_, err := store.SaveInstance(ctx, rec, 0)
				require.NoError(t, err)
			}

			all, err := store.ListInstances(ctx, InstanceFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b", "c"}, instanceIDs(all))

			terminal, err := store.ListInstances(ctx, InstanceFilter{Statuses: TerminalStatuses()})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, instanceIDs(terminal))

			children, err := store.ListInstances(ctx, InstanceFilter{ParentID: "a"})
			require.NoError(t, err)
			assert.Equal(t, []string{"c"}, instanceIDs(children))

			flows, err := store.ListInstances(ctx, InstanceFilter{Name: "flow", Statuses: []RuntimeStatus{StatusRunning}})
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, instanceIDs(flows))
		})
	}
}

func TestStoreHistoryLifecycle(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			_, err := store.SaveInstance(ctx, &InstanceRecord{InstanceID: "i1", Name: "flow", RuntimeStatus: StatusRunning}, 0)
			require.NoError(t, err)

			fireAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			events := []HistoryEvent{
				{InstanceID: "i1", Generation: 0, Seq: 1, Kind: EventTimer, Name: "timer", FireAt: fireAt},
				{InstanceID: "i1", Generation: 0, Seq: 0, Kind: EventActivity, Name: "GetNextTask", Result: json.RawMessage(`{"task_name":"T1"}`), Completed: true},
				{InstanceID: "i1", Generation: 1, Seq: 0, Kind: EventClock, Name: "now", Completed: true},
			}
			for _, evt := range events {
				require.NoError(t, store.PutEvent(ctx, evt))
			}

			gen0, err := store.LoadHistory(ctx, "i1", 0)
			require.NoError(t, err)
			require.Len(t, gen0, 2)
			assert.Equal(t, EventActivity, gen0[0].Kind)
			assert.JSONEq(t, `{"task_name":"T1"}`, string(gen0[0].Result))
			assert.False(t, gen0[1].Completed)
			assert.True(t, fireAt.Equal(gen0[1].FireAt))

			fired := gen0[1]
			fired.Completed = true
			fired.Result = json.RawMessage(`"elapsed"`)
			require.NoError(t, store.PutEvent(ctx, fired))

			gen0, err = store.LoadHistory(ctx, "i1", 0)
			require.NoError(t, err)
			require.Len(t, gen0, 2)
			assert.True(t, gen0[1].Completed)

			require.NoError(t, store.TruncateHistory(ctx, "i1", 1))
			gen0, err = store.LoadHistory(ctx, "i1", 0)
			require.NoError(t, err)
			assert.Empty(t, gen0)
			gen1, err := store.LoadHistory(ctx, "i1", 1)
			require.NoError(t, err)
			assert.Len(t, gen1, 1)

			require.NoError(t, store.DeleteInstance(ctx, "i1"))
			rec, err := store.LoadInstance(ctx, "i1")
			require.NoError(t, err)
			assert.Nil(t, rec)
			gen1, err = store.LoadHistory(ctx, "i1", 1)
			require.NoError(t, err)
			assert.Empty(t, gen1)
		})
	}
}

func TestStoreRejectsBlankInstanceID(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).SaveInstance(context.Background(), &InstanceRecord{InstanceID: "  "}, 0)
			require.Error(t, err)
			assert.True(t, HasCode(err, ErrCodeInvalidInstance))
		})
	}
}

func instanceIDs(recs []*InstanceRecord) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.InstanceID)
	}
	return out
}

type fakeRedis struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strings[key], nil
}

func (f *fakeRedis) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strings[key] = value
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.strings, key)
		delete(f.hashes, key)
		delete(f.sets, key)
	}
	return nil
}

func (f *fakeRedis) HSet(_ context.Context, key, field, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

func (f *fakeRedis) SAdd(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]struct{})
	}
	f.sets[key][member] = struct{}{}
	return nil
}

func (f *fakeRedis) SRem(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sets[key], member)
	return nil
}

func (f *fakeRedis) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for member := range f.sets[key] {
		out = append(out, member)
	}
	return out, nil
}
