package worker

// 发送给页面的生命周期事件类型。
const (
	EventControllerChange = "controllerchange"
	EventNotification     = "notification"
	EventNotificationHide = "notificationclose"
	EventFocus            = "focus"
	EventOpenWindow       = "openwindow"
)

// ClientInfo 描述一个已连接的页面。
type ClientInfo struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ClientEvent 是推送给页面的一条事件，Data 会被编码为 JSON。
type ClientEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Clients 是 worker 能看到的页面集合，由传输层实现（例如 SSE 连接）。
type Clients interface {
	// List 返回当前连接的全部页面。
	List() []ClientInfo
	// Send 向单个页面投递事件，页面已断开时返回 false。
	Send(id string, event ClientEvent) bool
}

type noClients struct{}

func (noClients) List() []ClientInfo            { return nil }
func (noClients) Send(string, ClientEvent) bool { return false }
