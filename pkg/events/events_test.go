package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestBufferStrategyDeliversEverything(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, BufferSize: 100})

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(&Event{Type: "tick", Payload: nil})
	}

	received := 0
	timeout := time.After(2 * time.Second)
	for received < n {
		select {
		case <-sub.C():
			received++
		case <-timeout:
			t.Fatalf("only received %d/%d", received, n)
		}
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestBufferStrategyBlocksProducerUntilDrained(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, BufferSize: 1})

	// Fill the buffer, then one more: the broker's distribution loop
	// must block, so a third publish stays queued in eventCh rather
	// than being dropped.
	for i := 0; i < 5; i++ {
		b.Publish(&Event{Type: "tick"})
	}

	// Drain slowly; everything published must eventually arrive.
	for i := 0; i < 5; i++ {
		select {
		case ev := <-sub.C():
			require.NotNil(t, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never arrived", i)
		}
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestDropStrategyDiscardsWhenFull(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{Strategy: StrategyDrop, BufferSize: 2})

	for i := 0; i < 20; i++ {
		b.Publish(&Event{Type: "tick", Payload: nil})
	}

	// The broker loop is async; wait for it to chew through the queue.
	assert.Eventually(t, func() bool {
		return len(sub.C())+int(sub.Dropped()) == 20
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, sub.Dropped())
	assert.LessOrEqual(t, len(sub.C()), 2)
}

func TestThrottleStrategyRateLimits(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{
		Strategy:         StrategyThrottle,
		ThrottleInterval: time.Hour, // only the first event can pass
	})

	base := time.Now()
	for i := 0; i < 10; i++ {
		b.Publish(&Event{Type: "tick", Timestamp: base.Add(time.Duration(i) * time.Millisecond)})
	}

	assert.Eventually(t, func() bool {
		return sub.Dropped() == 9
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case ev := <-sub.C():
		assert.Equal(t, base, ev.Timestamp)
	default:
		t.Fatal("first event was not delivered")
	}
}

func TestTypeFilter(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, Types: []string{"task.completed"}})

	b.Publish(&Event{Type: "task.failed"})
	b.Publish(&Event{Type: "task.completed"})

	select {
	case ev := <-sub.C():
		assert.Equal(t, "task.completed", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("filtered event never arrived")
	}
	assert.Empty(t, sub.C())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{})
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub.C()
	assert.False(t, ok, "channel closed after unsubscribe")

	// Idempotent.
	b.Unsubscribe(sub)
}

func TestUnsubscribeWhileProducerBlocked(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, BufferSize: 1})

	// Saturate: one in the channel, one blocking the broadcast loop.
	b.Publish(&Event{Type: "tick"})
	b.Publish(&Event{Type: "tick"})
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		b.Unsubscribe(sub)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe deadlocked against a blocked broadcast")
	}
}

func TestSaturatedBufferSubscriberDoesNotStallOthers(t *testing.T) {
	b := startBroker(t)

	// A buffer subscriber that never reads, next to a healthy drop
	// subscriber.
	stuck := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, BufferSize: 1})
	healthy := b.Subscribe(SubscriptionConfig{Strategy: StrategyDrop, BufferSize: 10})

	// Event 1 fills the stuck buffer; event 2 saturates it, so its
	// blocking send parks the distribution loop. The drop subscriber
	// must still receive both: non-blocking deliveries run first.
	b.Publish(&Event{Type: "tick"})
	b.Publish(&Event{Type: "tick"})

	for i := 0; i < 2; i++ {
		select {
		case <-healthy.C():
		case <-time.After(2 * time.Second):
			t.Fatalf("drop subscriber starved by a saturated buffer subscriber (event %d)", i+1)
		}
	}

	// The registry stays responsive while the blocking send is parked.
	regDone := make(chan struct{})
	go func() {
		extra := b.Subscribe(SubscriptionConfig{Strategy: StrategyDrop})
		_ = b.SubscriberCount()
		b.Unsubscribe(extra)
		close(regDone)
	}()
	select {
	case <-regDone:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe/unsubscribe blocked behind a saturated subscriber")
	}

	// Cancelling the stuck subscription releases the bus; later events
	// flow again.
	b.Unsubscribe(stuck)
	b.Publish(&Event{Type: "tick"})
	select {
	case <-healthy.C():
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not recover after the stuck subscriber left")
	}
}

func TestThrottleSubscriberSeesEveryEventDespiteSaturatedBuffer(t *testing.T) {
	b := startBroker(t)
	stuck := b.Subscribe(SubscriptionConfig{Strategy: StrategyBuffer, BufferSize: 2})
	fast := b.Subscribe(SubscriptionConfig{Strategy: StrategyThrottle, ThrottleInterval: time.Nanosecond})

	for i := 0; i < 3; i++ {
		b.Publish(&Event{Type: "tick"})
	}

	// All three events must reach the throttle subscriber's strategy
	// (delivered or counted as dropped) even though the third one
	// saturates the buffer subscriber: the non-blocking delivery runs
	// before the blocking one.
	assert.Eventually(t, func() bool {
		return len(fast.C())+int(fast.Dropped()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	b.Unsubscribe(stuck)
}

func TestStopClosesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = b.Subscribe(SubscriptionConfig{})
	}
	b.Stop()
	for i, sub := range subs {
		_, ok := <-sub.C()
		assert.False(t, ok, "subscriber %d still open", i)
	}
}

func TestPublishAssignsIDAndTimestamp(t *testing.T) {
	b := startBroker(t)
	sub := b.Subscribe(SubscriptionConfig{})
	b.Publish(&Event{Type: "tick"})
	select {
	case ev := <-sub.C():
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}
