package routes

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/offline-hub/offline-hub/internal/server"
	"github.com/offline-hub/offline-hub/internal/worker"
)

const defaultTaskTimeout = 60 * time.Second

// Dispatcher 是路由依赖的 worker 运行时能力。
type Dispatcher interface {
	Dispatch(ctx context.Context, event worker.Event) *worker.Task
	Status(ctx context.Context) (worker.Status, error)
}

// UpdateFunc 触发一次注册更新检查。
type UpdateFunc func(ctx context.Context) (*worker.Task, error)

// Options 描述 /-/ 网关接口的依赖。
type Options struct {
	Runtime  Dispatcher
	Clients  *server.ClientHub
	Registry *server.OriginRegistry
	Logger   *logrus.Logger
	Update   UpdateFunc
	// TaskTimeout 限制单个请求等待事件完成的时间。
	TaskTimeout time.Duration
}

// RegisterWorkerRoutes 暴露控制消息、推送、通知点击、同步、更新检查与状态接口。
func RegisterWorkerRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Runtime == nil {
		return
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}

	app.Post("/-/messages", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil || msg.Type == "" {
			return writeError(c, fiber.StatusBadRequest, "invalid_message")
		}
		result, err := runTask(c, opts.Runtime, worker.MessageEvent{Message: msg}, timeout)
		switch {
		case errors.Is(err, worker.ErrUnknownMessage):
			return writeError(c, fiber.StatusBadRequest, "unknown_message")
		case err != nil:
			return taskFailed(c, opts.Logger, "message", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		data := append([]byte(nil), c.Body()...)
		result, err := runTask(c, opts.Runtime, worker.PushEvent{Data: data}, timeout)
		switch {
		case errors.Is(err, worker.ErrInvalidPushPayload):
			return writeError(c, fiber.StatusBadRequest, "invalid_push_payload")
		case err != nil:
			return taskFailed(c, opts.Logger, "push", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/notificationclick", func(c fiber.Ctx) error {
		var payload struct {
			Action string `json:"action"`
			Data   string `json:"data"`
		}
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &payload); err != nil {
				return writeError(c, fiber.StatusBadRequest, "invalid_body")
			}
		}
		result, err := runTask(c, opts.Runtime, worker.NotificationClickEvent{Action: payload.Action, Data: payload.Data}, timeout)
		if err != nil {
			return taskFailed(c, opts.Logger, "notificationclick", err)
		}
		return c.JSON(result)
	})

	app.Post("/-/sync", func(c fiber.Ctx) error {
		var payload struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(c.Body(), &payload); err != nil || payload.Tag == "" {
			return writeError(c, fiber.StatusBadRequest, "tag_required")
		}
		if _, err := runTask(c, opts.Runtime, worker.SyncEvent{Tag: payload.Tag}, timeout); err != nil {
			return taskFailed(c, opts.Logger, "sync", err)
		}
		return c.SendStatus(fiber.StatusAccepted)
	})

	app.Post("/-/update", func(c fiber.Ctx) error {
		if opts.Update == nil {
			return writeError(c, fiber.StatusNotImplemented, "update_disabled")
		}
		task, err := opts.Update(requestContext(c))
		if err != nil {
			if opts.Logger != nil {
				opts.Logger.WithError(err).WithField("action", "update_check").Warn("update_check_failed")
			}
			if errors.Is(err, server.ErrOriginChanged) {
				return writeError(c, fiber.StatusConflict, "origin_changed")
			}
			if errors.Is(err, server.ErrRoutingChanged) {
				return writeError(c, fiber.StatusConflict, "routing_changed")
			}
			return writeError(c, fiber.StatusInternalServerError, "config_reload_failed")
		}
		result, err := waitTask(c, task, timeout)
		switch {
		case errors.Is(err, worker.ErrInstallInProgress):
			return writeError(c, fiber.StatusConflict, "install_in_progress")
		case errors.Is(err, worker.ErrInstallFailed):
			var installErr *worker.InstallError
			detail := fiber.Map{"error": "install_failed"}
			if errors.As(err, &installErr) {
				detail["url"] = installErr.URL
				if installErr.Status != 0 {
					detail["status"] = installErr.Status
				}
			}
			return c.Status(fiber.StatusBadGateway).JSON(detail)
		case err != nil:
			return taskFailed(c, opts.Logger, "update", err)
		}
		return c.JSON(result)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		status, err := opts.Runtime.Status(requestContext(c))
		if err != nil {
			return taskFailed(c, opts.Logger, "status", err)
		}
		return c.JSON(fiber.Map{
			"worker":  status,
			"origins": encodeOrigins(opts.Registry.List()),
		})
	})
}

type originPayload struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Origin   string `json:"origin"`
	Upstream string `json:"upstream"`
	Proxy    string `json:"proxy,omitempty"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		item := originPayload{
			Name:     route.Name,
			Kind:     route.Kind,
			Origin:   route.Origin.String(),
			Upstream: route.Upstream.Redacted(),
		}
		if route.ProxyURL != nil {
			item.Proxy = route.ProxyURL.Redacted()
		}
		result = append(result, item)
	}
	return result
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func runTask(c fiber.Ctx, runtime Dispatcher, event worker.Event, timeout time.Duration) (any, error) {
	return waitTask(c, runtime.Dispatch(requestContext(c), event), timeout)
}

func waitTask(c fiber.Ctx, task *worker.Task, timeout time.Duration) (any, error) {
	ctx, cancel := context.WithTimeout(requestContext(c), timeout)
	defer cancel()
	return task.Wait(ctx)
}

func taskFailed(c fiber.Ctx, logger *logrus.Logger, action string, err error) error {
	if logger != nil {
		logger.WithError(err).WithField("action", action).Error("gateway_task_failed")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return writeError(c, fiber.StatusGatewayTimeout, "task_timeout")
	}
	if errors.Is(err, worker.ErrRuntimeClosed) {
		return writeError(c, fiber.StatusServiceUnavailable, "runtime_closed")
	}
	return writeError(c, fiber.StatusInternalServerError, "task_failed")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
