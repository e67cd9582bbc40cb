package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/artcafeai/agentmq/pkg/wire"
)

func TestLatchFiresOnce(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Fired())

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wins <- l.Fire(errors.New("io failure"))
		}(i)
	}
	wg.Wait()
	close(wins)

	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.True(t, l.Fired())

	d := <-l.Events()
	assert.EqualError(t, d.Reason, "io failure")
	select {
	case <-l.Events():
		t.Fatal("second disconnect event")
	case <-time.After(20 * time.Millisecond):
	}
	assert.EqualError(t, l.Reason(), "io failure")
}

func TestLatchNilReason(t *testing.T) {
	l := NewLatch()
	l.Fire(nil)
	assert.ErrorIs(t, (<-l.Events()).Reason, ErrNotConnected)
}

func TestInboundDeliver(t *testing.T) {
	var acks []time.Time
	var frames []string
	in := Inbound{
		OnFrame:        func(f *wire.Frame) { frames = append(frames, f.Type) },
		OnHeartbeatAck: func(t time.Time) { acks = append(acks, t) },
	}
	now := time.Now()
	in.Deliver(wire.HeartbeatAck(), now)
	in.Deliver(&wire.Frame{Type: wire.TypeMessage, Topic: "x"}, now)
	assert.Equal(t, []time.Time{now}, acks)
	assert.Equal(t, []string{wire.TypeMessage}, frames)

	Inbound{}.Deliver(wire.HeartbeatAck(), now)
}

func TestMessageFromPayload(t *testing.T) {
	framed, err := wire.NewMessage("original", map[string]int{"a": 1})
	assert.NoError(t, err)
	raw, err := wire.Encode(framed)
	assert.NoError(t, err)

	f := MessageFromPayload("tenants.acme.x", raw)
	assert.Equal(t, framed.ID, f.ID)
	assert.Equal(t, "tenants.acme.x", f.Topic)
	assert.JSONEq(t, `{"a":1}`, string(f.Data))

	f = MessageFromPayload("tenants.acme.y", []byte(`{"bare":true}`))
	assert.Equal(t, wire.TypeMessage, f.Type)
	assert.NotEmpty(t, f.ID)
	assert.JSONEq(t, `{"bare":true}`, string(f.Data))

	f = MessageFromPayload("tenants.acme.z", []byte("text"))
	assert.Equal(t, `"text"`, string(f.Data))
}
