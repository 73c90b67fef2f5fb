package directory

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLoggerMock struct{}

func (testLoggerMock) Debug(msg string) {}
func (testLoggerMock) Info(msg string)  {}
func (testLoggerMock) Warn(msg string)  {}
func (testLoggerMock) Error(msg string) {}
func (testLoggerMock) Fatal(msg string) {}

type testClientMock struct {
	mu      sync.Mutex
	records map[string][]Record
	calls   int32
	err     error
}

func (m *testClientMock) Records(table string) ([]Record, error) {
	atomic.AddInt32(&m.calls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.records[table], nil
}

func usersConfig() CacheConfig {
	return CacheConfig{Tables: []TableConfig{{
		Name:      "users",
		Primary:   "account_id",
		Secondary: []string{"telegram_id"},
	}}}
}

func userRow(id int64, account string, tgID float64, name string) Record {
	return Record{ID: id, Fields: map[string]any{
		"account_id":  account,
		"telegram_id": tgID,
		"username":    name,
	}}
}

func TestReadThroughLoadsOnce(t *testing.T) {
	client := &testClientMock{records: map[string][]Record{
		"users": {userRow(1, "GAAA", 100, "alice"), userRow(2, "GBBB", 200, "bob")},
	}}
	cache := NewCache(client, usersConfig(), testLoggerMock{})

	row, err := cache.ByPrimary("users", "GAAA")
	require.Nil(t, err)
	assert.Equal(t, "alice", FieldString(row, "username"))

	row, err = cache.BySecondary("users", "telegram_id", "200")
	require.Nil(t, err)
	assert.Equal(t, "bob", FieldString(row, "username"))

	all, err := cache.All("users")
	require.Nil(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&client.calls))
}

func TestUnknownTableAndMissingRow(t *testing.T) {
	client := &testClientMock{records: map[string][]Record{"users": {}}}
	cache := NewCache(client, usersConfig(), testLoggerMock{})

	_, err := cache.All("nope")
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = cache.ByPrimary("users", "GAAA")
	assert.ErrorIs(t, err, ErrRowNotFound)
}

func TestFiltered(t *testing.T) {
	client := &testClientMock{records: map[string][]Record{
		"users": {userRow(1, "GAAA", 100, "alice"), userRow(2, "GBBB", 200, "bob"), userRow(3, "GCCC", 300, "carol")},
	}}
	cache := NewCache(client, usersConfig(), testLoggerMock{})

	rows, err := cache.Filtered("users", "account_id", []string{"GAAA", "GCCC"})
	require.Nil(t, err)
	assert.Len(t, rows, 2)
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	client := &testClientMock{records: map[string][]Record{
		"users": {userRow(1, "GAAA", 100, "alice")},
	}}
	cache := NewCache(client, usersConfig(), testLoggerMock{})
	_, err := cache.All("users")
	require.Nil(t, err)

	client.mu.Lock()
	client.records["users"] = []Record{userRow(1, "GAAA", 100, "alice"), userRow(2, "GBBB", 200, "bob")}
	client.mu.Unlock()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	// readers must always observe a full snapshot, one row or two, never zero
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rows, err := cache.All("users")
				assert.Nil(t, err)
				assert.NotEmpty(t, rows)
			}
		}()
	}

	for i := 0; i < 50; i++ {
		require.Nil(t, cache.Reload("users"))
	}
	close(stop)
	wg.Wait()

	rows, err := cache.All("users")
	require.Nil(t, err)
	assert.Len(t, rows, 2)
}

func TestReloadFailureKeepsStaleSnapshot(t *testing.T) {
	client := &testClientMock{records: map[string][]Record{
		"users": {userRow(1, "GAAA", 100, "alice")},
	}}
	cache := NewCache(client, usersConfig(), testLoggerMock{})
	_, err := cache.All("users")
	require.Nil(t, err)

	client.mu.Lock()
	client.err = assert.AnError
	client.mu.Unlock()

	require.NotNil(t, cache.Reload("users"))
	rows, err := cache.All("users")
	require.Nil(t, err)
	assert.Len(t, rows, 1)
}
