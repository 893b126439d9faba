package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu        sync.Mutex
	connected int
	errs      []error
}

func (o *recordingObserver) OnChannelConnected(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connected++
}

func (o *recordingObserver) OnChannelError(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connected, len(o.errs)
}

// channelSource hands out a fresh mock channel on every open
type channelSource struct {
	mu       sync.Mutex
	channels []*mockChannel
	err      error
}

func (s *channelSource) open() (managedChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := &mockChannel{}
	s.channels = append(s.channels, ch)
	return ch, nil
}

func (s *channelSource) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *channelSource) last() *mockChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[len(s.channels)-1]
}

func newTestWrapper(t *testing.T, options ...ChannelWrapperOption) (*ChannelWrapper, *channelSource, *recordingObserver) {
	t.Helper()

	manager := NewConnectionManager([]string{"amqp://localhost:5672"})
	cw, err := NewChannelWrapper(manager, append([]ChannelWrapperOption{WithChannelName("test")}, options...)...)
	require.NoError(t, err)

	source := &channelSource{}
	cw.open = source.open
	observer := &recordingObserver{}
	cw.AddObserver(observer)

	t.Cleanup(func() { _ = cw.Close() })
	return cw, source, observer
}

func TestChannelWrapper(t *testing.T) {
	t.Run("NewChannelWrapper requires a manager", func(t *testing.T) {
		_, err := NewChannelWrapper(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("NewChannelWrapper registers with the manager", func(t *testing.T) {
		manager := NewConnectionManager([]string{"amqp://localhost:5672"})
		cw, err := NewChannelWrapper(manager)
		require.NoError(t, err)

		assert.Contains(t, cw.Name(), "channel-")
		assert.Len(t, manager.listeners(), 1)

		require.NoError(t, cw.Close())
		assert.Empty(t, manager.listeners())
	})

	t.Run("Channel is unavailable before open", func(t *testing.T) {
		cw, _, _ := newTestWrapper(t)

		_, err := cw.Channel()
		assert.ErrorIs(t, err, ErrChannelClosed)
		assert.False(t, cw.IsOpen())
	})

	t.Run("Open runs setups in order and notifies observers", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t)

		var order []string
		require.NoError(t, cw.AddSetup(context.Background(), func(ctx context.Context, ch Channel) error {
			order = append(order, "exchanges")
			return nil
		}))
		require.NoError(t, cw.AddSetup(context.Background(), func(ctx context.Context, ch Channel) error {
			order = append(order, "bindings")
			return nil
		}))

		require.NoError(t, cw.Open(context.Background()))

		assert.Equal(t, []string{"exchanges", "bindings"}, order)
		assert.Equal(t, 1, source.opened())
		assert.True(t, cw.IsOpen())
		connected, errs := observer.counts()
		assert.Equal(t, 1, connected)
		assert.Equal(t, 0, errs)
	})

	t.Run("Open is a no-op while the channel is open", func(t *testing.T) {
		cw, source, _ := newTestWrapper(t)

		require.NoError(t, cw.Open(context.Background()))
		require.NoError(t, cw.Open(context.Background()))
		assert.Equal(t, 1, source.opened())
	})

	t.Run("Open joins setup errors and still notifies", func(t *testing.T) {
		cw, _, observer := newTestWrapper(t)

		errA := errors.New("exchange conflict")
		errB := errors.New("bind failed")
		_ = cw.AddSetup(context.Background(), func(context.Context, Channel) error { return errA })
		_ = cw.AddSetup(context.Background(), func(context.Context, Channel) error { return errB })

		err := cw.Open(context.Background())
		assert.ErrorIs(t, err, errA)
		assert.ErrorIs(t, err, errB)

		connected, _ := observer.counts()
		assert.Equal(t, 1, connected)
	})

	t.Run("Open wraps channel creation failures", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t)
		source.err = ErrConnectionNotReady

		err := cw.Open(context.Background())

		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "open", chErr.Op)
		assert.Equal(t, "test", chErr.Channel)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		connected, _ := observer.counts()
		assert.Equal(t, 0, connected)
	})

	t.Run("AddSetup runs immediately on an open channel", func(t *testing.T) {
		cw, _, _ := newTestWrapper(t)
		require.NoError(t, cw.Open(context.Background()))

		ran := false
		require.NoError(t, cw.AddSetup(context.Background(), func(context.Context, Channel) error {
			ran = true
			return nil
		}))
		assert.True(t, ran)
	})

	t.Run("soft channel error reopens and replays setups", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t, WithChannelRetryDelay(10*time.Millisecond))

		var mu sync.Mutex
		runs := 0
		_ = cw.AddSetup(context.Background(), func(context.Context, Channel) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		})
		require.NoError(t, cw.Open(context.Background()))

		source.last().fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Recover: true})

		assert.Eventually(t, func() bool {
			connected, errs := observer.counts()
			return source.opened() == 2 && connected == 2 && errs == 1
		}, 2*time.Second, 10*time.Millisecond)

		mu.Lock()
		assert.Equal(t, 2, runs)
		mu.Unlock()
		assert.True(t, cw.IsOpen())
	})

	t.Run("hard error waits for the connection manager", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t, WithChannelRetryDelay(10*time.Millisecond))
		require.NoError(t, cw.Open(context.Background()))

		forced := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Recover: false}
		source.last().fail(forced)

		assert.Eventually(t, func() bool {
			return !cw.IsOpen()
		}, time.Second, 10*time.Millisecond)

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, source.opened())
		_, errs := observer.counts()
		assert.Equal(t, 0, errs, "connection errors are reported by OnDisconnected")

		cw.OnDisconnected(forced)
		_, errs = observer.counts()
		assert.Equal(t, 1, errs)

		cw.OnConnected()
		assert.Equal(t, 2, source.opened())
		assert.True(t, cw.IsOpen())
	})

	t.Run("setup that closes the channel is not reported as connected", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t, WithChannelRetryDelay(time.Hour))

		_ = cw.AddSetup(context.Background(), func(_ context.Context, ch Channel) error {
			ch.(*mockChannel).fail(&amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Recover: true})
			return amqp.ErrClosed
		})

		err := cw.Open(context.Background())
		assert.ErrorIs(t, err, amqp.ErrClosed)
		assert.ErrorIs(t, err, ErrChannelClosed)

		assert.Eventually(t, func() bool {
			_, errs := observer.counts()
			return errs == 1
		}, time.Second, 10*time.Millisecond)

		connected, _ := observer.counts()
		assert.Equal(t, 0, connected)
		assert.False(t, cw.IsOpen())
		assert.Equal(t, 1, source.opened())
	})

	t.Run("Isolated runs on a separate channel and closes it", func(t *testing.T) {
		cw, source, _ := newTestWrapper(t)
		require.NoError(t, cw.Open(context.Background()))
		shared := source.last()

		var used Channel
		require.NoError(t, cw.Isolated(func(ch Channel) error {
			used = ch
			return nil
		}))

		assert.Equal(t, 2, source.opened())
		assert.Same(t, source.last(), used)
		assert.True(t, source.last().IsClosed())
		assert.False(t, shared.IsClosed())
	})

	t.Run("an exception inside Isolated leaves the shared channel open", func(t *testing.T) {
		cw, source, observer := newTestWrapper(t)
		require.NoError(t, cw.Open(context.Background()))

		conflict := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED", Recover: true}
		err := cw.Isolated(func(ch Channel) error {
			ch.(*mockChannel).fail(conflict)
			return conflict
		})

		assert.ErrorIs(t, err, conflict)
		assert.True(t, cw.IsOpen())
		_, errs := observer.counts()
		assert.Equal(t, 0, errs)
		assert.Equal(t, 2, source.opened())
	})

	t.Run("Isolated reports channel creation failures", func(t *testing.T) {
		cw, source, _ := newTestWrapper(t)
		source.err = ErrConnectionNotReady

		called := false
		err := cw.Isolated(func(Channel) error {
			called = true
			return nil
		})

		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.Equal(t, "isolate", chErr.Op)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.False(t, called)
	})

	t.Run("Isolated refuses a closed wrapper", func(t *testing.T) {
		cw, source, _ := newTestWrapper(t)
		require.NoError(t, cw.Close())

		assert.ErrorIs(t, cw.Isolated(func(Channel) error { return nil }), ErrWrapperClosed)
		assert.Equal(t, 0, source.opened())
	})

	t.Run("OnDisconnected drops the channel and reports the error", func(t *testing.T) {
		cw, _, observer := newTestWrapper(t)
		require.NoError(t, cw.Open(context.Background()))

		cw.OnDisconnected(ErrConnectionClosed)

		assert.False(t, cw.IsOpen())
		_, errs := observer.counts()
		assert.Equal(t, 1, errs)
	})

	t.Run("Close stops reopening", func(t *testing.T) {
		cw, source, _ := newTestWrapper(t)
		require.NoError(t, cw.Open(context.Background()))
		ch := source.last()

		require.NoError(t, cw.Close())
		assert.True(t, ch.IsClosed())

		_, err := cw.Channel()
		assert.ErrorIs(t, err, ErrWrapperClosed)
		assert.ErrorIs(t, cw.Open(context.Background()), ErrWrapperClosed)
		assert.NoError(t, cw.Close())
	})
}
