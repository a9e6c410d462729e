package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	for _, k := range Kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("start")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{name: "install", event: Event{Kind: Install}},
		{name: "unknown kind", event: Event{Kind: "stop"}, wantErr: true},
		{name: "relation without name", event: Event{Kind: RelationChanged, Endpoint: "peer"}, wantErr: true},
		{name: "relation changed", event: Event{Kind: RelationChanged, Relation: "peer:1", Endpoint: "peer"}},
		{
			name:    "departed without departing unit",
			event:   Event{Kind: RelationDeparted, Relation: "peer:1", Endpoint: "peer", RemoteUnit: "microk8s/1"},
			wantErr: true,
		},
		{
			name:  "departed",
			event: Event{Kind: RelationDeparted, Relation: "peer:1", Endpoint: "peer", DepartingUnit: "microk8s/1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewAssignsIdentity(t *testing.T) {
	a := New(Install)
	b := New(Install)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
	assert.Equal(t, "install", a.String())

	c := &Event{Kind: RelationJoined, Relation: "peer:1"}
	assert.Equal(t, "relation-joined(peer:1)", c.String())
}

func TestBrokerDeliversInOrder(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	// more events than the subscriber buffer holds
	const n = 120
	done := make(chan []string)
	go func() {
		var kinds []string
		for i := 0; i < n; i++ {
			select {
			case e := <-sub:
				kinds = append(kinds, e.ID)
			case <-time.After(5 * time.Second):
				done <- kinds
				return
			}
		}
		done <- kinds
	}()

	var want []string
	for i := 0; i < n; i++ {
		e := New(UpdateStatus)
		want = append(want, e.ID)
		require.True(t, b.Publish(e))
	}

	assert.Equal(t, want, <-done)
}

func TestBrokerPublishAfterStop(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()

	for i := 0; i < 10; i++ {
		assert.False(t, b.Publish(&Event{Kind: Install}), "a stopped broker accepts nothing, even with room in its buffer")
	}
}

func TestBrokerPublishAfterStopWithoutRunLoop(t *testing.T) {
	b := NewBroker()
	b.Stop()

	assert.False(t, b.Publish(&Event{Kind: UpdateStatus}))
	assert.Empty(t, b.eventCh)
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())
}
