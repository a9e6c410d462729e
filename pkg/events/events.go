package events

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/herd/pkg/types"
	"github.com/google/uuid"
)

// Kind represents the kind of host event
type Kind string

const (
	Install          Kind = "install"
	ConfigChanged    Kind = "config-changed"
	LeaderElected    Kind = "leader-elected"
	UpdateStatus     Kind = "update-status"
	RelationJoined   Kind = "relation-joined"
	RelationChanged  Kind = "relation-changed"
	RelationDeparted Kind = "relation-departed"
	RelationBroken   Kind = "relation-broken"
	Remove           Kind = "remove"
)

// Kinds lists every event kind the host runtime delivers
var Kinds = []Kind{
	Install, ConfigChanged, LeaderElected, UpdateStatus,
	RelationJoined, RelationChanged, RelationDeparted, RelationBroken,
	Remove,
}

// ErrUnknownKind is returned for event names that are not host events
var ErrUnknownKind = errors.New("unknown event kind")

// ParseKind validates an event name
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// IsRelation reports whether events of this kind refer to a relation
func (k Kind) IsRelation() bool {
	switch k {
	case RelationJoined, RelationChanged, RelationDeparted, RelationBroken:
		return true
	}
	return false
}

// Event represents one host event delivered to the unit
type Event struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	// Relation is the relation instance, e.g. "peer:1"
	Relation string `json:"relation,omitempty"`
	// Endpoint is the relation endpoint name, e.g. "peer" or "cluster"
	Endpoint      string       `json:"endpoint,omitempty"`
	RemoteApp     string       `json:"remote_app,omitempty"`
	RemoteUnit    types.PeerID `json:"remote_unit,omitempty"`
	DepartingUnit types.PeerID `json:"departing_unit,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// New creates an event of kind with a fresh ID
func New(kind Kind) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// Validate checks the fields required by the event kind
func (e *Event) Validate() error {
	if _, err := ParseKind(string(e.Kind)); err != nil {
		return err
	}
	if !e.Kind.IsRelation() {
		return nil
	}
	if e.Relation == "" || e.Endpoint == "" {
		return fmt.Errorf("%s event requires relation and endpoint", e.Kind)
	}
	if e.Kind == RelationDeparted && e.DepartingUnit == "" {
		return fmt.Errorf("%s event requires the departing unit", e.Kind)
	}
	return nil
}

func (e *Event) String() string {
	if e.Relation == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Relation)
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans published events out to subscribers. Delivery blocks on a
// full subscriber, host events are never dropped.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers. Returns false if the
// broker is stopped.
func (b *Broker) Publish(event *Event) bool {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return false
	default:
	}

	select {
	case b.eventCh <- event:
		return true
	case <-b.stopCh:
		return false
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		case <-b.stopCh:
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
