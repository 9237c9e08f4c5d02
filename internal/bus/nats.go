package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Client is a thin JSON wrapper over a NATS connection.
type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("renderjob"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", url, err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

func (c *Client) SubscribeJSON(subject string, handler func(ctx context.Context, data []byte)) (*nats.Subscription, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, msg.Data)
	})
}

// PublishStatus publishes ev on its own subject.
func (c *Client) PublishStatus(ev StatusChanged) error {
	return c.PublishJSON(ev.Subject(), ev)
}

// SubscribeStatus delivers every StatusChanged event matching subject,
// which may use NATS wildcards (StatusSubjectAll for everything).
func (c *Client) SubscribeStatus(subject string, handler func(ctx context.Context, ev StatusChanged)) (*nats.Subscription, error) {
	return c.SubscribeJSON(subject, func(ctx context.Context, data []byte) {
		ev, err := DecodeStatusChanged(data)
		if err != nil {
			return
		}
		handler(ctx, ev)
	})
}
