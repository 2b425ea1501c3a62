package topic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nimbusmq/broker/types/message"
)

func TestBroadcasterRegisterAndSend(t *testing.T) {
	b := NewBroadcaster(4)

	ch := b.Register("client1")
	b.Send("client1", Delivery{Message: &message.Message{Topic: "a/b"}})

	select {
	case d := <-ch:
		assert.Equal(t, "a/b", d.Message.Topic)
	default:
		t.Fatal("expected a delivery")
	}
}

func TestBroadcasterRegisterIsIdempotent(t *testing.T) {
	b := NewBroadcaster(4)

	ch1 := b.Register("client1")
	ch2 := b.Register("client1")

	assert.Equal(t, ch1, ch2, "Register must return the same channel for an already-registered client")
}

func TestBroadcasterSendToUnregisteredClientDoesNothing(t *testing.T) {
	b := NewBroadcaster(4)
	b.Send("ghost", Delivery{Message: &message.Message{Topic: "a/b"}}) // must not panic
}

func TestBroadcasterUnregisterDropsMailbox(t *testing.T) {
	b := NewBroadcaster(4)

	ch := b.Register("client1")
	b.Unregister("client1")
	b.Send("client1", Delivery{Message: &message.Message{Topic: "a/b"}})

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should never receive a delivery after Unregister")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsOldestWhenMailboxFull(t *testing.T) {
	b := NewBroadcaster(1)
	ch := b.Register("client1")

	b.Send("client1", Delivery{Message: &message.Message{Topic: "first"}})
	b.Send("client1", Delivery{Message: &message.Message{Topic: "second"}})

	d := <-ch
	assert.Equal(t, "second", d.Message.Topic, "the oldest pending delivery should be dropped, not the newest")
	assert.Equal(t, uint64(1), b.Lagged("client1"))
}

func TestBroadcasterLaggedForUnknownClient(t *testing.T) {
	b := NewBroadcaster(4)
	assert.Equal(t, uint64(0), b.Lagged("ghost"))
}
