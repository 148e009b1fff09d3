package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURIs(t *testing.T) {
	r := NewResolver("com.example.mtp")

	assert.Equal(t, "content://com.example.mtp/root", r.RootsURI())
	assert.Equal(t, "content://com.example.mtp/document/0_1_2", r.DocumentURI("0_1_2"))
	assert.Equal(t, "content://com.example.mtp/document/0_0_2/children", r.ChildDocumentsURI("0_0_2"))

	assert.Equal(t, DefaultAuthority, NewResolver("").Authority())
}

func TestNotifyChange_CountsPerURI(t *testing.T) {
	r := NewResolver("")
	roots := r.RootsURI()
	other := r.ChildDocumentsURI("0_1_0")

	assert.Zero(t, r.ChangeCount(roots))
	assert.Equal(t, uint64(1), r.NotifyChange(roots))
	assert.Equal(t, uint64(2), r.NotifyChange(roots))
	assert.Equal(t, uint64(2), r.ChangeCount(roots))
	assert.Zero(t, r.ChangeCount(other))
}

func TestSubscribe(t *testing.T) {
	r := NewResolver("")
	ch := r.Subscribe()
	assert.Equal(t, 1, r.SubscriberCount())

	r.NotifyChange(r.RootsURI())

	select {
	case change := <-ch:
		assert.Equal(t, r.RootsURI(), change.URI)
		assert.Equal(t, uint64(1), change.Seq)
		assert.NotZero(t, change.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the change")
	}

	r.Unsubscribe(ch)
	assert.Zero(t, r.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice must not panic on a closed channel.
	r.Unsubscribe(ch)
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	r := NewResolver("")
	ch := r.Subscribe()
	defer r.Unsubscribe(ch)

	for i := 0; i < subscriberBuffer*2; i++ {
		r.NotifyChange(r.RootsURI())
	}
	assert.Len(t, ch, subscriberBuffer)
	assert.Equal(t, uint64(subscriberBuffer*2), r.ChangeCount(r.RootsURI()))
}

func TestWaitForNotification(t *testing.T) {
	r := NewResolver("")
	uri := r.RootsURI()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		r.NotifyChange(r.DocumentURI("unrelated"))
		r.NotifyChange(uri)
		r.NotifyChange(uri)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WaitForNotification(ctx, uri, 2))
	wg.Wait()

	// Already satisfied counts return immediately.
	require.NoError(t, r.WaitForNotification(context.Background(), uri, 1))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, r.WaitForNotification(short, uri, 3), context.DeadlineExceeded)
}
