package rentsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Seed(TableUsers, profileToRecord(Profile{ID: "u1", Username: "sari"}))

	var lookups atomic.Int32
	store.Intercept(func(ctx context.Context, op Op, table string) error {
		if table == TableUsers {
			lookups.Add(1)
		}
		return nil
	})

	names := NewNameCache(NewRepository(store).Users, 8, nil)
	assert.Equal(t, "sari", names.Name(ctx, "u1"))
	assert.Equal(t, "sari", names.Name(ctx, "u1"))
	assert.EqualValues(t, 1, lookups.Load())

	assert.Equal(t, UnknownUserName, names.Name(ctx, "ghost"))
	_, ok := names.Cached("ghost")
	assert.False(t, ok, "unknown users are not remembered")

	store.Intercept(func(ctx context.Context, op Op, table string) error {
		return errors.New("offline")
	})
	assert.Equal(t, UnknownUserName, names.Name(ctx, "u2"))
	assert.Equal(t, "sari", names.Name(ctx, "u1"))

	names.Set("u2", "budi")
	names.Set("u3", "")
	got, ok := names.Cached("u2")
	assert.True(t, ok)
	assert.Equal(t, "budi", got)
	_, ok = names.Cached("u3")
	assert.False(t, ok)
}
