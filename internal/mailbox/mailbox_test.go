package mailbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	q := New[int]()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(i))
	}
	assert.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		<-q.Ready()
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Pop()
	assert.False(t, ok)

	select {
	case <-q.Ready():
		t.Fatal("ready must not fire on an empty queue")
	default:
	}
}

func TestConcurrentProducers(t *testing.T) {
	q := New[int]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Push(i)
			}
		}()
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := time.After(5 * time.Second)
	for got < producers*perProducer {
		select {
		case <-q.Ready():
			if _, ok := q.Pop(); ok {
				got++
			}
		case <-timeout:
			t.Fatalf("only consumed %d items", got)
		}
	}
	<-done

	pushed, popped := q.Counts()
	assert.Equal(t, uint64(producers*perProducer), pushed)
	assert.Equal(t, pushed, popped)
}

func TestSealAndClose(t *testing.T) {
	q := New[string]()
	require.NoError(t, q.Push("kept"))

	q.Seal()
	assert.ErrorIs(t, q.Push("late"), ErrClosed)
	assert.False(t, q.Closed())

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "kept", v)

	q.Close()
	q.Close()
	assert.True(t, q.Closed())

	select {
	case <-q.Ready():
	default:
		t.Fatal("ready must fire forever after close")
	}
}

func TestDrain(t *testing.T) {
	q := New[int]()
	_ = q.Push(1)
	_ = q.Push(2)

	assert.Equal(t, []int{1, 2}, q.Drain())
	assert.Equal(t, 0, q.Len())
}
