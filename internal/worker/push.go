package worker

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	defaultNotificationBody = "New notification"
	defaultNotificationData = "/"

	ActionOpen  = "open"
	ActionClose = "close"
)

var defaultVibrate = []int{200, 100, 200}

// PushPayload 是推送负载，缺省字段使用默认值。
type PushPayload struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	URL   string `json:"url,omitempty"`
}

// NotificationAction 是通知上的按钮。
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification 是广播给页面展示的通知。
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate"`
	Data    string               `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

// ParsePushPayload 解析推送数据，空负载视为 {}。
func ParsePushPayload(data []byte) (PushPayload, error) {
	var payload PushPayload
	if len(bytes.TrimSpace(data)) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrInvalidPushPayload, err)
	}
	return payload, nil
}

// BuildNotification 应用默认值：标题为应用名，正文为通用文本，目标 URL 为 "/"。
func BuildNotification(version Version, payload PushPayload) Notification {
	title := payload.Title
	if title == "" {
		title = version.AppName
	}
	body := payload.Body
	if body == "" {
		body = defaultNotificationBody
	}
	data := payload.URL
	if data == "" {
		data = defaultNotificationData
	}
	return Notification{
		Title:   title,
		Body:    body,
		Icon:    version.Icon,
		Badge:   version.Icon,
		Vibrate: append([]int(nil), defaultVibrate...),
		Data:    data,
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionClose, Title: "Close"},
		},
	}
}

func (r *Runtime) push(data []byte) (*Notification, error) {
	payload, err := ParsePushPayload(data)
	if err != nil {
		return nil, err
	}
	notification := BuildNotification(r.currentVersion(), payload)

	delivered := 0
	for _, client := range r.clients.List() {
		if r.clients.Send(client.ID, ClientEvent{Type: EventNotification, Data: notification}) {
			delivered++
		}
	}
	r.logger.WithFields(logrus.Fields{
		"action":    "push",
		"title":     notification.Title,
		"data":      notification.Data,
		"delivered": delivered,
	}).Info("notification_shown")
	return &notification, nil
}

// ClickResult 描述通知点击最终执行的动作：closed、focus 或 openwindow。
type ClickResult struct {
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// notificationClick 总是关闭通知；open 或空动作时聚焦 URL 完全相同的页面，否则打开新窗口。
func (r *Runtime) notificationClick(ev NotificationClickEvent) *ClickResult {
	if ev.Action != "" && ev.Action != ActionOpen {
		return &ClickResult{Action: "closed"}
	}

	version := r.currentVersion()
	target := version.NotificationURL
	if ev.Data != "" {
		target = version.resolve(ev.Data)
	}

	clients := r.clients.List()
	for _, client := range clients {
		if client.URL == target && r.clients.Send(client.ID, ClientEvent{Type: EventFocus, Data: map[string]string{"url": target}}) {
			return &ClickResult{Action: "focus", URL: target, ClientID: client.ID}
		}
	}

	result := &ClickResult{Action: "openwindow", URL: target}
	for _, client := range clients {
		if r.clients.Send(client.ID, ClientEvent{Type: EventOpenWindow, Data: map[string]string{"url": target}}) {
			result.ClientID = client.ID
			break
		}
	}
	if result.ClientID == "" {
		r.logger.WithFields(logrus.Fields{
			"action": "notificationclick",
			"url":    target,
		}).Warn("open_window_no_client")
	}
	return result
}
