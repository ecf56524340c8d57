package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/bookd/internal/events"
)

// Publisher sends lifecycle events to NATS under <prefix>.<kind>.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

func NewPublisher(url, prefix string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("aerophoenix-bookd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Subject is where events of kind are published.
func Subject(prefix string, kind events.Kind) string {
	if prefix == "" {
		return string(kind)
	}
	return prefix + "." + string(kind)
}

// Publish hands payload to the connection. A done ctx is reported instead
// of publishing.
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// Notify implements events.Notifier.
func (p *Publisher) Notify(ctx context.Context, ev events.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := p.Publish(ctx, Subject(p.prefix, ev.Kind), payload); err != nil {
		return fmt.Errorf("publish %s to nats: %w", ev.Kind, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
