package valkeycache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Invalidator) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := NewClient(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	return mr, NewInvalidator(client)
}

func TestInvalidateDeletesEntryAndAnnounces(t *testing.T) {
	mr, inv := setupMiniRedis(t)

	require.NoError(t, mr.Set(KeyPrefix+"abc", `{"id":"k1"}`))
	require.NoError(t, mr.Set(KeyPrefix+"other", `{"id":"k2"}`))

	sub := mr.NewSubscriber()
	defer sub.Close()
	sub.Subscribe(InvalidateChannel)
	received := make(chan miniredis.PubsubMessage, 1)
	go func() {
		if msg, ok := <-sub.Messages(); ok {
			received <- msg
		}
	}()

	require.NoError(t, inv.Invalidate(context.Background(), "abc"))

	assert.False(t, mr.Exists(KeyPrefix+"abc"))
	assert.True(t, mr.Exists(KeyPrefix+"other"))

	select {
	case msg := <-received:
		assert.Equal(t, InvalidateChannel, msg.Channel)
		assert.Equal(t, "abc", msg.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("no invalidation message published")
	}
}

func TestInvalidateMissingEntryIsNotAnError(t *testing.T) {
	_, inv := setupMiniRedis(t)
	assert.NoError(t, inv.Invalidate(context.Background(), "never-cached"))
}

func TestInvalidateReportsServerErrors(t *testing.T) {
	mr, inv := setupMiniRedis(t)
	mr.SetError("ERR injected failure")

	err := inv.Invalidate(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidate api key cache")
}

func TestNopInvalidator(t *testing.T) {
	assert.NoError(t, Nop{}.Invalidate(context.Background(), "abc"))
}
