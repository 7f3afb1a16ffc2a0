package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/pkg/backend"
)

// Watch connects to the gateway change stream and returns a channel of
// changes. It reconnects with backoff until ctx is done, then closes the
// channel. Changes are dropped when the consumer falls behind.
func (c *Client) Watch(ctx context.Context) <-chan backend.Change {
	changes := make(chan backend.Change, 100)
	go c.watchLoop(ctx, changes)
	return changes
}

func (c *Client) watchLoop(ctx context.Context, changes chan<- backend.Change) {
	defer close(changes)

	delay := c.reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.stream(ctx, changes)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("change stream error", zap.Error(err), zap.Duration("reconnect_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
			continue
		}
		delay = c.reconnectMin
	}
}

// stream reads one SSE connection until it ends.
func (c *Client) stream(ctx context.Context, changes chan<- backend.Change) error {
	url := c.baseURL + "/api/v1/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The shared client has a request timeout; a stream must not.
	hc := &http.Client{Transport: c.httpClient.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	c.log.Info("change stream connected", zap.String("url", url))

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ch backend.Change
				if err := json.Unmarshal([]byte(data), &ch); err != nil {
					c.log.Debug("malformed change event", zap.String("data", data), zap.Error(err))
				} else {
					if ch.Type == "" {
						ch.Type = backend.ChangeType(eventType)
					}
					select {
					case changes <- ch:
					default:
						c.log.Debug("change event dropped (channel full)")
					}
				}
			}
			eventType, data = "", ""
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			eventType = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}
