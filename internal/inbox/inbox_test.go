package inbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/mequeue/internal/wal"
)

func TestInbox_SendReceiveFIFO(t *testing.T) {
	in := New[int](4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, in.Send(ctx, i))
	}
	assert.Equal(t, 3, in.Len())

	for want := 1; want <= 3; want++ {
		assert.Equal(t, want, <-in.Events())
	}
}

func TestInbox_SendBlocksWhileFull(t *testing.T) {
	in := New[int](1)
	require.NoError(t, in.Send(context.Background(), 1))

	sent := make(chan error, 1)
	go func() {
		sent <- in.Send(context.Background(), 2)
	}()

	select {
	case err := <-sent:
		t.Fatalf("send on full inbox returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1, <-in.Events())

	select {
	case err := <-sent:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released after a slot freed up")
	}
	assert.Equal(t, 2, <-in.Events())
}

func TestInbox_SendHonoursContext(t *testing.T) {
	in := New[int](1)
	require.NoError(t, in.TrySend(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := in.Send(ctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, in.Len())
}

func TestInbox_TrySendFull(t *testing.T) {
	in := New[int](1)
	require.NoError(t, in.TrySend(1))
	require.ErrorIs(t, in.TrySend(2), ErrFull)
}

func TestInbox_CloseReleasesBlockedSenders(t *testing.T) {
	in := New[int](1)
	require.NoError(t, in.TrySend(1))

	sent := make(chan error, 1)
	go func() {
		sent <- in.Send(context.Background(), 2)
	}()
	time.Sleep(10 * time.Millisecond)

	in.Close()

	select {
	case err := <-sent:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not release blocked sender")
	}

	// Buffered events survive Close, then the channel reports closure.
	v, ok := <-in.Events()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = <-in.Events()
	assert.False(t, ok)

	require.ErrorIs(t, in.Send(context.Background(), 3), ErrClosed)
	require.ErrorIs(t, in.TrySend(3), ErrClosed)
	in.Close() // idempotent
}

func TestInbox_ConcurrentProducersNoLoss(t *testing.T) {
	const producers, perProducer = 8, 50
	in := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := in.Send(context.Background(), p*perProducer+i); err != nil {
					t.Errorf("Send: %v", err)
				}
			}
		}(p)
	}
	go func() {
		wg.Wait()
		in.Close()
	}()

	seen := make(map[int]bool)
	for v := range in.Events() {
		assert.False(t, seen[v], "duplicate event %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestDrainInto_MovesAvailableInOrder(t *testing.T) {
	in := New[string](8)
	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, in.TrySend(s))
	}
	log := wal.New[string](8)

	drained, open, err := DrainInto(in.Events(), log)
	require.NoError(t, err)
	assert.True(t, open)
	require.Len(t, drained, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{drained[0].Seq, drained[1].Seq, drained[2].Seq})

	head, _ := log.Head()
	assert.Equal(t, "a", head.Payload)
	assert.Equal(t, 0, in.Len())
}

func TestDrainInto_StopsAtSinkCapacity(t *testing.T) {
	in := New[int](8)
	for i := 0; i < 5; i++ {
		require.NoError(t, in.TrySend(i))
	}
	log := wal.New[int](2)

	drained, open, err := DrainInto(in.Events(), log)
	require.NoError(t, err)
	assert.True(t, open)
	assert.Len(t, drained, 2)
	assert.Equal(t, 3, in.Len(), "events beyond log capacity stay in the inbox")
}

func TestDrainInto_ReportsClosure(t *testing.T) {
	in := New[int](2)
	require.NoError(t, in.TrySend(7))
	in.Close()
	log := wal.New[int](4)

	drained, open, err := DrainInto(in.Events(), log)
	require.NoError(t, err)
	assert.False(t, open)
	require.Len(t, drained, 1)
	assert.Equal(t, 7, drained[0].Payload)
}
