package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/devghori1264/aerophoenix/bookd/internal/events"
)

// Subscriber receives the events a Publisher with the same prefix sends.
type Subscriber struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

// Subscribe calls fn for every event under prefix. Messages that are not
// events are passed to onErr when it is non-nil.
func Subscribe(url, prefix string, fn func(events.Event), onErr func(error)) (*Subscriber, error) {
	nc, err := nats.Connect(url, nats.Name("aerophoenix-bookctl"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	sub, err := nc.Subscribe(Subject(prefix, ">"), handler(fn, onErr))
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Subscriber{nc: nc, sub: sub}, nil
}

func handler(fn func(events.Event), onErr func(error)) nats.MsgHandler {
	return func(m *nats.Msg) {
		ev, err := events.Decode(m.Data)
		if err != nil {
			if onErr != nil {
				onErr(fmt.Errorf("message on %s: %w", m.Subject, err))
			}
			return
		}
		fn(ev)
	}
}

func (s *Subscriber) Close() {
	_ = s.sub.Unsubscribe()
	s.nc.Close()
}
