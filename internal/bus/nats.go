package bus

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/leonardoventurini/helene-sub003/internal/metrics"
)

// natsConn adapts a NATS connection to the Conn interface. The client
// library owns reconnection; we retry only the initial dial with
// exponential backoff so a server can start before its bus.
type natsConn struct {
	nc *nats.Conn
}

// DialNATS connects to the bus at url.
func DialNATS(url string, logger zerolog.Logger) (Conn, error) {
	log := logger.With().Str("component", "bus_nats").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BusErrors.Inc()
			log.Warn().Err(err).Msg("bus disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			metrics.BusErrors.Inc()
			log.Error().Err(err).Msg("bus error")
		}),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	var nc *nats.Conn
	err := backoff.Retry(func() error {
		var dialErr error
		nc, dialErr = nats.Connect(url, opts...)
		if dialErr != nil {
			log.Warn().Err(dialErr).Str("url", url).Msg("bus dial failed, retrying")
		}
		return dialErr
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bus at %s: %w", url, err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected to bus")
	return &natsConn{nc: nc}, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) Close() {
	c.nc.Close()
}
