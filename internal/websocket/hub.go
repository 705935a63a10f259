package websocket

import (
	"sync"

	"TonkServer/internal/game/table"
	"TonkServer/internal/utils"
)

type HubInterface interface {
	BroadcastToPlayers(addrs []string, msg OutgoingMessage)
	SendToPlayer(addr string, msg OutgoingMessage)
	Subscribe(addr, gameID string)
	Unsubscribe(addr, gameID string)
	Publish(gameID string, s *table.Session)
	Close()
}

type Hub struct {
	clients    map[string]*Client         // address -> client
	watchers   map[string]map[string]bool // gameID -> set(address)
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastReq
	sendOne    chan sendReq
	publish    chan publishReq
	incoming   chan IncomingMessage
	OnIncoming func(IncomingMessage)
	quit       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

type broadcastReq struct {
	Addresses []string
	Message   OutgoingMessage
}

type sendReq struct {
	Address string
	Message OutgoingMessage
}

type publishReq struct {
	GameID  string
	Session *table.Session
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		watchers:   make(map[string]map[string]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastReq),
		sendOne:    make(chan sendReq),
		publish:    make(chan publishReq, 256), // 引擎不能被推送阻塞
		incoming:   make(chan IncomingMessage),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run() {
	defer close(h.done)
	utils.Log.Info("hub started")

	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.Address]; ok && old != c {
				// 同一地址重连，踢掉旧连接
				close(old.Send)
			}
			h.clients[c.Address] = c
			utils.Log.Info("hub register", "address", c.Address, "clients", len(h.clients))
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.Address]; ok && cur == c {
				delete(h.clients, c.Address)
				for _, set := range h.watchers {
					delete(set, c.Address)
				}
				utils.Log.Info("hub unregister", "address", c.Address, "clients", len(h.clients))
				close(c.Send)
			}
			h.mu.Unlock()

		case req := <-h.broadcast:
			for _, addr := range req.Addresses {
				h.deliver(addr, req.Message)
			}

		case req := <-h.sendOne:
			h.deliver(req.Address, req.Message)

		case req := <-h.publish:
			h.mu.RLock()
			addrs := make([]string, 0, len(h.watchers[req.GameID]))
			for a := range h.watchers[req.GameID] {
				addrs = append(addrs, a)
			}
			h.mu.RUnlock()
			// 每个观看者只看到自己的手牌
			for _, addr := range addrs {
				h.deliver(addr, OutgoingMessage{Event: EventGameState, Data: table.ViewFor(req.Session, addr)})
			}

		case req := <-h.incoming:
			// 玩家消息统一转发给 GameManager，放到独立 goroutine 里，回调可以再调用 Hub
			if h.OnIncoming != nil {
				go h.OnIncoming(req)
			}

		case <-h.quit:
			h.mu.Lock()
			for addr, c := range h.clients {
				close(c.Send)
				delete(h.clients, addr)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver 不阻塞：客户端发送队列满时丢弃
func (h *Hub) deliver(addr string, msg OutgoingMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[addr]
	if !ok {
		return
	}
	select {
	case client.Send <- msg:
	default:
		utils.Log.Warn("client send queue full, dropping", "address", addr, "event", msg.Event)
	}
}

// Broadcast to multiple players
func (h *Hub) BroadcastToPlayers(addrs []string, msg OutgoingMessage) {
	select {
	case h.broadcast <- broadcastReq{Addresses: addrs, Message: msg}:
	case <-h.quit:
	}
}

// Send to a single player (safe concurrent)
func (h *Hub) SendToPlayer(addr string, msg OutgoingMessage) {
	select {
	case h.sendOne <- sendReq{Address: addr, Message: msg}:
	case <-h.quit:
	}
}

// Publish queues a state push for everyone watching gameID. It never blocks.
func (h *Hub) Publish(gameID string, s *table.Session) {
	select {
	case h.publish <- publishReq{GameID: gameID, Session: s}:
	default:
		utils.Log.Warn("publish queue full, dropping state", "game", gameID)
	}
}

// Subscribe makes addr receive the state pushes of gameID.
func (h *Hub) Subscribe(addr, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.watchers[gameID]
	if !ok {
		set = make(map[string]bool)
		h.watchers[gameID] = set
	}
	set[addr] = true
}

func (h *Hub) Unsubscribe(addr, gameID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.watchers[gameID]; ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(h.watchers, gameID)
		}
	}
}

// Lookup for a player client by address
func (h *Hub) ClientByAddress(addr string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[addr]
	return c, ok
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
}
