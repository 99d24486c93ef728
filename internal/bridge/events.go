package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
)

const retrySleepDuration = 5 * time.Second

type streamEvent struct {
	Type string `json:"type"`
	Data []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"data"`
}

// EventStream listens on the bridge's v2 event stream and calls onLight for
// every update that touches a light resource. It reconnects until ctx is
// cancelled.
func (c *Client) EventStream(ctx context.Context, onLight func()) {
	for {
		err := c.listen(ctx, onLight)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("bridge event stream interrupted, retrying",
			"err", err, "retry_after", retrySleepDuration)

		select {
		case <-time.After(retrySleepDuration):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) listen(ctx context.Context, onLight func()) error {
	url := c.cfg.Scheme + "://" + c.cfg.Host + "/eventstream/clip/v2"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(hueAppKeyHeader, c.cfg.APIKey)

	conn := c.sseClient.NewConnection(req)
	conn.SubscribeToAll(func(ev sse.Event) {
		if len(ev.Data) == 0 {
			return
		}
		var events []streamEvent
		if err := json.Unmarshal(ev.Data, &events); err != nil {
			c.log.Debug("undecodable bridge event", "err", err)
			return
		}
		if touchesLight(events) {
			onLight()
		}
	})

	c.log.Info("listening for bridge events")
	return conn.Connect()
}

func touchesLight(events []streamEvent) bool {
	for _, e := range events {
		for _, d := range e.Data {
			if d.Type == "light" {
				return true
			}
		}
	}
	return false
}
