package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobd/internal/storage"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: RunStarted, Job: storage.Job{ID: 1}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, RunStarted, e.Type)
			assert.EqualValues(t, 1, e.Job.ID)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: RunFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	st := b.Stats()
	assert.EqualValues(t, 100, st.Published)
	assert.EqualValues(t, 99, st.Dropped)
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	b.Publish(Event{Type: JobCreated})

	ch, unsub := b.Subscribe(4)
	defer unsub()
	select {
	case e := <-ch:
		t.Fatalf("unexpected replayed event %v", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	assert.Equal(t, 0, b.Stats().Subscribers)

	b.Publish(Event{Type: JobDeleted})
}
