package routes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

const (
	defaultHeartbeat = 25 * time.Second
	eventHello       = "hello"
	eventPing        = "ping"
)

// EventsOptions 描述 /-/events 的依赖。
type EventsOptions struct {
	Clients  *server.ClientHub
	Registry *server.OriginRegistry
	Logger   *logrus.Logger
	// Heartbeat 是空闲时发送 ping 的间隔，<= 0 时使用默认值。
	Heartbeat time.Duration
}

// RegisterEventRoutes 暴露 /-/events：页面以 SSE 长连接注册为 worker 客户端，
// controllerchange、notification、focus 等事件经此推送。
func RegisterEventRoutes(app *fiber.App, opts EventsOptions) {
	if app == nil || opts.Clients == nil {
		return
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	app.Get("/-/events", func(c fiber.Ctx) error {
		pageURL, err := resolvePageURL(opts.Registry, c.Query("url"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_page_url")
		}

		client := opts.Clients.Connect(c.Query("id"), pageURL)
		fields := logrus.Fields{
			"action":    "client_events",
			"client_id": client.ID,
			"url":       client.URL,
		}
		if opts.Logger != nil {
			opts.Logger.WithFields(fields).Info("client_connected")
		}

		c.Set(fiber.HeaderContentType, "text/event-stream")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set(fiber.HeaderConnection, "keep-alive")
		c.Set("X-Accel-Buffering", "no")

		return c.SendStreamWriter(func(w *bufio.Writer) {
			defer func() {
				opts.Clients.Disconnect(client)
				if opts.Logger != nil {
					opts.Logger.WithFields(fields).Info("client_disconnected")
				}
			}()
			streamClient(w, client, heartbeat)
		})
	})
}

func streamClient(w *bufio.Writer, client *server.Client, heartbeat time.Duration) {
	hello := worker.ClientEvent{Type: eventHello, Data: worker.ClientInfo{ID: client.ID, URL: client.URL}}
	if err := writeEvent(w, hello); err != nil {
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			drain(w, client)
			return
		case ev := <-client.Events():
			if err := writeEvent(w, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeEvent(w, worker.ClientEvent{Type: eventPing}); err != nil {
				return
			}
		}
	}
}

// drain 在连接关闭前写出已排队的事件。
func drain(w *bufio.Writer, client *server.Client) {
	for {
		select {
		case ev := <-client.Events():
			if err := writeEvent(w, ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeEvent(w *bufio.Writer, ev worker.ClientEvent) error {
	if err := encodeEvent(w, ev); err != nil {
		return err
	}
	return w.Flush()
}

// encodeEvent 以 text/event-stream 帧格式写出事件，data 为 JSON。
func encodeEvent(w io.Writer, ev worker.ClientEvent) error {
	data := []byte("{}")
	if ev.Data != nil {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		data = encoded
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// resolvePageURL 把页面上报的地址解析为 App origin 下的绝对 URL，供通知点击精确比对。
func resolvePageURL(registry *server.OriginRegistry, raw string) (string, error) {
	app := registry.App()
	if app == nil {
		return raw, nil
	}
	if raw == "" {
		return app.Origin.String() + "/", nil
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	resolved := app.Origin.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}
