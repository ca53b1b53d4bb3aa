package worker

import (
	"context"
)

// EventKind 标识 Dispatch 的事件类型。
type EventKind string

const (
	KindInstall           EventKind = "install"
	KindActivate          EventKind = "activate"
	KindFetch             EventKind = "fetch"
	KindMessage           EventKind = "message"
	KindPush              EventKind = "push"
	KindNotificationClick EventKind = "notificationclick"
	KindSync              EventKind = "sync"
)

// Event 是 Runtime.Dispatch 接受的事件。
type Event interface {
	Kind() EventKind
}

// InstallEvent 请求安装 Version 描述的 generation。
type InstallEvent struct {
	Version Version
}

// ActivateEvent 激活等待中的 worker。
type ActivateEvent struct{}

// FetchEvent 携带一次出站请求。
type FetchEvent struct {
	Request *Request
}

// MessageEvent 携带一条宿主页面发出的控制消息。
type MessageEvent struct {
	Message Message
}

// PushEvent 携带推送负载（JSON，可为空）。
type PushEvent struct {
	Data []byte
}

// NotificationClickEvent 描述用户对通知的点击；Data 是通知携带的目标 URL。
type NotificationClickEvent struct {
	Action string
	Data   string
}

// SyncEvent 是后台同步事件。
type SyncEvent struct {
	Tag string
}

func (InstallEvent) Kind() EventKind           { return KindInstall }
func (ActivateEvent) Kind() EventKind          { return KindActivate }
func (FetchEvent) Kind() EventKind             { return KindFetch }
func (MessageEvent) Kind() EventKind           { return KindMessage }
func (PushEvent) Kind() EventKind              { return KindPush }
func (NotificationClickEvent) Kind() EventKind { return KindNotificationClick }
func (SyncEvent) Kind() EventKind              { return KindSync }

// InstallResult 是 InstallEvent 的结果。
type InstallResult struct {
	Worker    *WorkerInfo `json:"worker,omitempty"`
	Entries   int         `json:"entries"`
	Skipped   bool        `json:"skipped"`
	Activated bool        `json:"activated"`
	// Restored 表示安装失败后沿用了存储中同名的 generation。
	Restored bool `json:"restored,omitempty"`
}

// ActivateResult 是激活的结果；Generation 为空表示没有等待中的 worker。
type ActivateResult struct {
	Generation string   `json:"generation"`
	Deleted    []string `json:"deleted"`
	Claimed    int      `json:"claimed"`
}

// FetchResult 是 FetchEvent 的结果；Handled 为 false 时调用方应直接透传到网络。
type FetchResult struct {
	Response *Response
	Handled  bool
}

// MessageResult 是控制消息的处理结果。
type MessageResult struct {
	Type      string   `json:"type"`
	Activated bool     `json:"activated"`
	Deleted   []string `json:"deleted,omitempty"`
}

// Task 表示一次已派发事件的待完成工作。
type Task struct {
	kind   EventKind
	done   chan struct{}
	result any
	err    error
}

func newTask(kind EventKind) *Task {
	return &Task{kind: kind, done: make(chan struct{})}
}

func (t *Task) finish(result any, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Kind 返回事件类型。
func (t *Task) Kind() EventKind {
	return t.kind
}

// Done 在任务结束时关闭。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait 等待任务结束或 ctx 取消。
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result 返回结果；任务未结束时返回 nil。
func (t *Task) Result() any {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

// Err 返回任务错误；任务未结束时返回 nil。
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}
