package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anvilworks/anvil/pkg/types"
)

// Event is a bus message used for tool-to-tool composition. Distinct
// from the durable types.Event: bus events are transient.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Strategy selects how a subscription behaves when the subscriber is
// slower than the producer.
type Strategy string

const (
	// StrategyBuffer queues up to BufferSize events; once full the
	// producer blocks until the subscriber drains.
	StrategyBuffer Strategy = "buffer"
	// StrategyDrop discards events when the subscriber's buffer is full.
	StrategyDrop Strategy = "drop"
	// StrategyThrottle delivers at most one event per ThrottleInterval
	// and discards the rest.
	StrategyThrottle Strategy = "throttle"
)

// SubscriptionConfig configures one subscriber.
type SubscriptionConfig struct {
	Strategy         Strategy
	BufferSize       int           // buffer and drop strategies; default 50
	ThrottleInterval time.Duration // throttle strategy; default 100ms
	Types            []string      // empty means all event types
}

// Subscription is one subscriber's receive side. Sends and the channel
// close are serialized on sendMu, which is per subscription: one
// saturated subscriber never takes a lock another subscriber or the
// broker registry needs.
type Subscription struct {
	cfg      SubscriptionConfig
	ch       chan *Event
	quit     chan struct{}
	quitOnce sync.Once
	dropped  atomic.Uint64

	sendMu   sync.Mutex
	lastSent time.Time
	closed   bool
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the broker stops.
func (s *Subscription) C() <-chan *Event { return s.ch }

// Dropped reports how many events this subscription discarded.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(eventType string) bool {
	if len(s.cfg.Types) == 0 {
		return true
	}
	for _, t := range s.cfg.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// trySend attempts a non-blocking delivery, reporting whether the
// event was handled (delivered, dropped, or the subscription is gone).
func (s *Subscription) trySend(event *Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return true
	}
	switch s.cfg.Strategy {
	case StrategyDrop:
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
		}
		return true
	case StrategyThrottle:
		if !s.lastSent.IsZero() && event.Timestamp.Sub(s.lastSent) < s.cfg.ThrottleInterval {
			s.dropped.Add(1)
			return true
		}
		select {
		case s.ch <- event:
			s.lastSent = event.Timestamp
		default:
			s.dropped.Add(1)
		}
		return true
	default: // StrategyBuffer: handled only if there is room right now
		select {
		case s.ch <- event:
			return true
		default:
			return false
		}
	}
}

// send delivers with the buffer strategy's blocking semantics: wait
// for room until the subscription is cancelled or the broker stops.
func (s *Subscription) send(event *Event, stop <-chan struct{}) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	case <-s.quit:
	case <-stop:
	}
}

// shutdown cancels the subscription and closes its channel. The quit
// signal fires before sendMu is taken so a send currently blocked on
// this subscription lets go first; closed-checking under sendMu makes
// a later send impossible.
func (s *Subscription) shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.sendMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.sendMu.Unlock()
}

// Broker fans events out to subscribers, applying each subscription's
// backpressure strategy independently. The broker mutex guards only
// the subscriber map; deliveries happen outside it. For one event,
// drop and throttle subscribers are served before any blocking buffer
// send, so a saturated buffer subscriber never delays them; once its
// buffer is full it backpressures the bus, which is that strategy's
// contract.
type Broker struct {
	mu          sync.Mutex
	subscribers map[*Subscription]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewBroker creates a broker. Call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriber channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
}

// Subscribe registers a subscriber with the given strategy.
func (b *Broker) Subscribe(cfg SubscriptionConfig) *Subscription {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyBuffer
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 50
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = 100 * time.Millisecond
	}

	size := cfg.BufferSize
	if cfg.Strategy == StrategyThrottle {
		size = 1
	}
	sub := &Subscription{
		cfg:  cfg,
		ch:   make(chan *Event, size),
		quit: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	registered := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()
	if registered {
		sub.shutdown()
	}
}

// Publish submits an event for distribution. Timestamp and ID are
// filled in when unset.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = types.NewID()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			b.mu.Lock()
			subs := make([]*Subscription, 0, len(b.subscribers))
			for sub := range b.subscribers {
				delete(b.subscribers, sub)
				subs = append(subs, sub)
			}
			b.mu.Unlock()
			for _, sub := range subs {
				sub.shutdown()
			}
			return
		}
	}
}

// broadcast snapshots the subscriber list under the lock, releases it,
// then delivers. All non-blocking deliveries (drop, throttle, buffer
// with room) happen first; only then do saturated buffer subscribers
// get their blocking sends, so they cannot starve anyone else of this
// event.
func (b *Broker) broadcast(event *Event) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var saturated []*Subscription
	for _, sub := range subs {
		if !sub.wants(event.Type) {
			continue
		}
		if !sub.trySend(event) {
			saturated = append(saturated, sub)
		}
	}
	for _, sub := range saturated {
		sub.send(event, b.stopCh)
	}
}
