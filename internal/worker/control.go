package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// 控制消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageClearCache  = "CLEAR_CACHE"
)

// SyncProductsTag 是宿主页面注册的后台同步标签。
const SyncProductsTag = "sync-products"

// Message 是宿主页面发来的控制消息，每条只被处理一次。
type Message struct {
	Type string `json:"type"`
}

func (r *Runtime) message(ctx context.Context, msg Message) (*MessageResult, error) {
	kind := strings.ToUpper(strings.TrimSpace(msg.Type))
	switch kind {
	case MessageSkipWaiting:
		activated, err := r.activate(ctx)
		result := &MessageResult{Type: kind}
		if activated != nil {
			result.Activated = activated.Generation != ""
			result.Deleted = activated.Deleted
		}
		if !result.Activated {
			r.logger.WithFields(logrus.Fields{
				"action":  "message",
				"message": kind,
			}).Info("skip_waiting_noop")
		}
		return result, err
	case MessageClearCache:
		deleted, err := r.generations.ClearAll(ctx)
		fields := logrus.Fields{
			"action":  "message",
			"message": kind,
			"deleted": deleted,
		}
		if err != nil {
			r.logger.WithError(err).WithFields(fields).Error("cache_clear_failed")
			return &MessageResult{Type: kind, Deleted: deleted}, err
		}
		r.logger.WithFields(fields).Info("cache_cleared")
		return &MessageResult{Type: kind, Deleted: deleted}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

func (r *Runtime) sync(tag string) {
	fields := logrus.Fields{"action": "sync", "tag": tag}
	if tag == SyncProductsTag {
		r.logger.WithFields(fields).Info("sync_products")
		return
	}
	r.logger.WithFields(fields).Debug("sync_ignored")
}
