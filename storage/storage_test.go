package storage

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/docrelay/errors"
)

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, PayloadKey("u1", "m1"), []byte("hello")))
	require.NoError(t, s.Put(ctx, PayloadKey("u1", "m2"), []byte("world")))
	require.NoError(t, s.Put(ctx, CredentialKey("u1"), []byte("creds")))

	data, err := s.Get(ctx, PayloadKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	data[0] = 'j'
	again, _ := s.Get(ctx, PayloadKey("u1", "m1"))
	assert.Equal(t, "hello", string(again), "Get returns a copy")

	keys, err := s.List(ctx, "payloads/u1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"payloads/u1/m1", "payloads/u1/m2"}, keys)

	require.NoError(t, s.Delete(ctx, PayloadKey("u1", "m1")))
	require.NoError(t, s.Delete(ctx, PayloadKey("u1", "m1")), "delete is idempotent")

	_, err = s.Get(ctx, PayloadKey("u1", "m1"))
	assert.True(t, stderrors.Is(err, pkgerrors.ErrNotFound))

	assert.Error(t, s.Put(ctx, "", nil))
}

func TestKeys_Sanitized(t *testing.T) {
	assert.Equal(t, "payloads/a_b/c_d", PayloadKey("a/b", "c d"))
	assert.Equal(t, "credentials/x_y", CredentialKey("x*y"))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Put(ctx, "k", nil), context.Canceled)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
