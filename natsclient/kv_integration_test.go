//go:build integration

package natsclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_CAS(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, kvConfig("cas_test"))
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	rev, err := kv.Create(ctx, "doc.1", []byte(`{"status":"queued"}`))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "doc.1", []byte(`{}`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "doc.1", []byte(`{"status":"processing"}`), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	_, err = kv.Update(ctx, "doc.1", []byte(`{"status":"processing"}`), rev)
	require.NoError(t, err)

	var doc map[string]string
	_, err = kv.GetJSON(ctx, "doc.1", &doc)
	require.NoError(t, err)
	assert.Equal(t, "processing", doc["status"])

	_, err = kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.1"}, keys)
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, kvConfig("counter_test"))
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxRetries = 50 })

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.UpdateWithRetry(ctx, "seq", func(current []byte) ([]byte, error) {
				var n int
				if current != nil {
					if err := json.Unmarshal(current, &n); err != nil {
						return nil, err
					}
				}
				return json.Marshal(n + 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "seq")
	require.NoError(t, err)
	assert.Equal(t, "10", string(entry.Value))
}

func TestClient_ObjectStoreAndStream(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	store, err := tc.Client.CreateObjectStore(ctx, objectConfig("blobs_test"))
	require.NoError(t, err)
	_, err = store.PutBytes(ctx, "a", []byte("hello"))
	require.NoError(t, err)

	again, err := tc.Client.CreateObjectStore(ctx, objectConfig("blobs_test"))
	require.NoError(t, err)
	data, err := again.GetBytes(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}
