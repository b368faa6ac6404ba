package natsbus

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/config"
	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

// Connect dials NATS, retrying with exponential backoff up to
// cfg.ConnectRetries times. Once connected, the client reconnects on its own.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	opts := []nats.Option{
		nats.Name("phaseflow"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(ctx, "nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	var nc *nats.Conn
	operation := func() error {
		var err error
		nc, err = nats.Connect(cfg.URL, opts...)
		if err != nil {
			logger.Warn(ctx, "nats connect failed", zap.String("url", cfg.URL), zap.Error(err))
		}
		return err
	}

	retries := cfg.ConnectRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries))
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}

	logger.Info(ctx, "connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
	return nc, nil
}
