package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"possync/internal/model"
)

func openStore(t *testing.T, path string) *Store {
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_KV(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "device.db"))

	_, ok, err := s.Get(KeyLastHub)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(KeyLastHub, []byte("192.168.1.10:7070")))
	val, ok, err := s.Get(KeyLastHub)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "192.168.1.10:7070", string(val))

	// overwrite
	require.NoError(t, s.Put(KeyLastHub, []byte("192.168.1.11:7070")))
	val, _, err = s.Get(KeyLastHub)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.11:7070", string(val))

	require.NoError(t, s.Delete(KeyLastHub))
	_, ok, err = s.Get(KeyLastHub)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_QueueOrder(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "device.db"))

	for _, payload := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		_, err := s.Enqueue(model.OfflineQueueItem{
			Type: "events.append",
			Data: json.RawMessage(payload),
		})
		require.NoError(t, err)
	}

	items, err := s.PeekAll()
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, `{"n":1}`, string(items[0].Item.Data))
	assert.Equal(t, `{"n":3}`, string(items[2].Item.Data))

	// removing the head keeps the rest in order
	require.NoError(t, s.Remove(items[0].ID))
	items, err = s.PeekAll()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, `{"n":2}`, string(items[0].Item.Data))

	n, err := s.QueueLen()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_QueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Enqueue(model.OfflineQueueItem{Type: "events.append", Data: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	require.NoError(t, s.Put(KeyLastHub, []byte("10.0.0.5:7070")))
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	items, err := reopened.PeekAll()
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "events.append", items[0].Item.Type)

	val, ok, err := reopened.Get(KeyLastHub)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:7070", string(val))
}
