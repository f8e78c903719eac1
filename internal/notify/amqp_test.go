package notify

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentBroker accepts TCP connections and never answers the AMQP handshake.
type silentBroker struct {
	listener net.Listener
	accepted atomic.Int32
	mu       sync.Mutex
	conns    []net.Conn
}

func newSilentBroker(t *testing.T) *silentBroker {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &silentBroker{listener: listener}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			b.accepted.Add(1)
			b.mu.Lock()
			b.conns = append(b.conns, conn)
			b.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = listener.Close()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, conn := range b.conns {
			_ = conn.Close()
		}
	})
	return b
}

func (b *silentBroker) url() string {
	return "amqp://guest:guest@" + b.listener.Addr().String() + "/"
}

func TestAMQPConnectStopsAtContextDeadline(t *testing.T) {
	broker := newSilentBroker(t)
	p := NewAMQPPublisher(AMQPOptions{URL: broker.url(), DialTimeout: 30 * time.Second})
	t.Cleanup(func() { _ = p.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.Connect(ctx)

	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Eventually(t, func() bool { return broker.accepted.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAMQPPublishFailsFastWithoutChannel(t *testing.T) {
	broker := newSilentBroker(t)
	p := NewAMQPPublisher(AMQPOptions{URL: broker.url(), DialTimeout: 100 * time.Millisecond})

	event, err := QueueUpdated(1, time.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			start := time.Now()
			err := p.Publish(ctx, event)
			assert.ErrorIs(t, err, ErrAMQPUnavailable)
			assert.Less(t, time.Since(start), 100*time.Millisecond)
		}()
	}
	wg.Wait()

	// The failed publishes leave a background reconnect dialling the broker.
	require.Eventually(t, func() bool { return broker.accepted.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not stop the reconnect loop")
	}
}

func TestAMQPStartDoesNotFailWithoutBroker(t *testing.T) {
	broker := newSilentBroker(t)
	p := NewAMQPPublisher(AMQPOptions{URL: broker.url(), DialTimeout: 50 * time.Millisecond})

	start := time.Now()
	p.Start(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	fanout := NewFanout()
	healthy := &recorder{}
	fanout.Add("amqp", p)
	fanout.Add("healthy", healthy)
	event, err := QueueUpdated(2, time.Now())
	require.NoError(t, err)

	err = fanout.Publish(context.Background(), event)
	assert.ErrorIs(t, err, ErrAMQPUnavailable)
	assert.Len(t, healthy.snapshot(), 1)
	require.NoError(t, p.Close())
}
