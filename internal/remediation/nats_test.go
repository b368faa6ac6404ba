package remediation

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phaseflow/internal/natsbus"
	"github.com/fyrsmithlabs/phaseflow/internal/orchestrator"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSRemediator(t *testing.T) {
	nc := startTestNATS(t)
	subjects := natsbus.Subjects{Prefix: "pftest"}

	_, err := ServeFixes(nc, subjects, "tests", orchestrator.RemediatorFunc(
		func(ctx context.Context, req orchestrator.FixRequest) (orchestrator.Ack, error) {
			_, hasDeadline := ctx.Deadline()
			if !hasDeadline {
				return orchestrator.Ack{}, errors.New("missing deadline")
			}
			return orchestrator.Ack{At: time.Unix(42, 0).UTC(), Note: "fixed " + req.Failure.Message}, nil
		}), nil)
	require.NoError(t, err)

	_, err = ServeFixes(nc, subjects, "lint", orchestrator.RemediatorFunc(
		func(context.Context, orchestrator.FixRequest) (orchestrator.Ack, error) {
			return orchestrator.Ack{}, errors.New("cannot fix lint")
		}), nil)
	require.NoError(t, err)

	_, err = ServeFixes(nc, subjects, "slow", orchestrator.RemediatorFunc(
		func(ctx context.Context, _ orchestrator.FixRequest) (orchestrator.Ack, error) {
			<-ctx.Done()
			return orchestrator.Ack{}, ctx.Err()
		}), nil)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	r := NewNATSRemediator(nc, subjects, nil)

	request := func(ctx context.Context, kind string) (orchestrator.Ack, error) {
		deadline, _ := ctx.Deadline()
		req := fixRequest("t1")
		req.Kind = kind
		req.Deadline = deadline
		return r.RequestFix(ctx, req)
	}

	t.Run("acknowledged", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ack, err := request(ctx, "tests")
		require.NoError(t, err)
		assert.Equal(t, "fixed red", ack.Note)
		assert.True(t, ack.At.Equal(time.Unix(42, 0)))
	})

	t.Run("fixer declines", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := request(ctx, "lint")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot fix lint")
	})

	t.Run("no fixer", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := request(ctx, "nobody")
		assert.True(t, errors.Is(err, nats.ErrNoResponders))
	})

	t.Run("timeout surfaces the context error", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := request(ctx, "slow")
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
