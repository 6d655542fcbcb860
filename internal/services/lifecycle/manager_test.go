package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownRunsHooksInReverseOnce(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	record := func(name string, err error) ShutdownFunc {
		return func(ctx context.Context) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			order = append(order, name)
			return err
		}
	}

	m.Register("outbox", record("outbox", nil))
	m.Register("reconciler", record("reconciler", errors.New("drain interrupted")))
	m.Register("http_server", record("http_server", nil))
	m.Register("ignored", nil)

	assert.Equal(t, []string{"outbox", "reconciler", "http_server"}, m.Components())

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain interrupted")
	assert.Equal(t, []string{"http_server", "reconciler", "outbox"}, order)

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestWaitShutsDownOnCancel(t *testing.T) {
	m := New(0, nil)
	stopped := make(chan struct{})
	m.Register("monitor", func(context.Context) error {
		close(stopped)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- m.Wait(ctx) }()

	cancel()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
	<-stopped
}
