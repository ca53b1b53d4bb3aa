package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offline-hub/offline-hub/internal/worker"
)

const defaultClientBuffer = 16

// Client 是一个通过 /-/events 连接的页面，事件经由 Events 通道投递给 SSE 写循环。
type Client struct {
	ID          string
	URL         string
	ConnectedAt time.Time

	seq    uint64
	events chan worker.ClientEvent
	done   chan struct{}
	once   sync.Once
}

// Events 返回待推送的事件。
func (c *Client) Events() <-chan worker.ClientEvent {
	return c.events
}

// Done 在客户端被注销后关闭。
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ClientHub 维护当前连接的页面集合，实现 worker.Clients。
type ClientHub struct {
	buffer int

	mu      sync.RWMutex
	seq     uint64
	clients map[string]*Client
}

// NewClientHub 创建空的客户端集合。buffer <= 0 时使用默认缓冲区大小。
func NewClientHub(buffer int) *ClientHub {
	if buffer <= 0 {
		buffer = defaultClientBuffer
	}
	return &ClientHub{buffer: buffer, clients: make(map[string]*Client)}
}

// Connect 注册一个页面。id 为空时生成新的 ID；相同 ID 重连会替换旧连接。
func (h *ClientHub) Connect(id, pageURL string) *Client {
	if id == "" {
		id = uuid.NewString()
	}
	client := &Client{
		ID:          id,
		URL:         pageURL,
		ConnectedAt: time.Now().UTC(),
		events:      make(chan worker.ClientEvent, h.buffer),
		done:        make(chan struct{}),
	}

	h.mu.Lock()
	h.seq++
	client.seq = h.seq
	prior := h.clients[id]
	h.clients[id] = client
	h.mu.Unlock()

	if prior != nil {
		prior.close()
	}
	return client
}

// Disconnect 注销页面；只有仍是当前连接时才会移除。
func (h *ClientHub) Disconnect(client *Client) {
	if client == nil {
		return
	}
	h.mu.Lock()
	if current, ok := h.clients[client.ID]; ok && current == client {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()
	client.close()
}

// List 实现 worker.Clients，按连接时间排序。
func (h *ClientHub) List() []worker.ClientInfo {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].seq < clients[j].seq
	})
	result := make([]worker.ClientInfo, len(clients))
	for i, client := range clients {
		result[i] = worker.ClientInfo{ID: client.ID, URL: client.URL}
	}
	return result
}

// Send 实现 worker.Clients。缓冲区已满或页面已断开时丢弃事件并返回 false。
func (h *ClientHub) Send(id string, event worker.ClientEvent) bool {
	h.mu.RLock()
	client, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-client.done:
		return false
	default:
	}
	select {
	case client.events <- event:
		return true
	default:
		return false
	}
}

// CloseAll 关闭全部连接，SSE 写循环随之退出。用于进程退出前。
func (h *ClientHub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, client := range clients {
		client.close()
	}
}

// Len 返回当前连接数。
func (h *ClientHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}
