package hub

import (
	"sync"

	"github.com/ayemish/kindnessconnect/internal/domain"
	"github.com/ayemish/kindnessconnect/pkg/log"
)

// Hub tracks live connections and indexes them by authenticated user.
type Hub struct {
	clients    map[string]*Client            // clientID -> client
	users      map[string]map[string]*Client // userID -> clientID -> client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		users:      make(map[string]map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l := log.L()
			l.Debug().Str(log.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.remove(client)

		case <-h.done:
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	client.detached = true
	_, ok := h.clients[client.ID]
	if ok {
		delete(h.clients, client.ID)
		if uid := client.UserID(); uid != "" {
			if set := h.users[uid]; set != nil {
				delete(set, client.ID)
				if len(set) == 0 {
					delete(h.users, uid)
				}
			}
		}
	}
	h.mu.Unlock()

	if ok {
		// Unmounting waits for the view's worker; keep it off the hub loop.
		go client.shutdown()
		l := log.L()
		l.Debug().Str(log.FieldClientID, client.ID).Msg("client unregistered")
	}
}

func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		go client.shutdown()
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		go client.shutdown()
	}
}

// Authenticate binds the client to uid. It reports false, and binds
// nothing, when the hub has already dropped the client.
func (h *Hub) Authenticate(client *Client, uid string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.detached {
		return false
	}

	client.mu.Lock()
	prev := client.userID
	client.userID = uid
	client.mu.Unlock()

	if prev != "" && prev != uid {
		if set := h.users[prev]; set != nil {
			delete(set, client.ID)
			if len(set) == 0 {
				delete(h.users, prev)
			}
		}
	}
	if _, ok := h.users[uid]; !ok {
		h.users[uid] = make(map[string]*Client)
	}
	h.users[uid][client.ID] = client
	l := log.L()
	l.Info().Str(log.FieldClientID, client.ID).Str(log.FieldUserID, uid).Msg("client authenticated")
	return true
}

// CloseUser sends every connection of uid to the login page and drops it.
// It returns how many connections were closed.
func (h *Hub) CloseUser(uid string) int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.users[uid]))
	for _, c := range h.users[uid] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.SendMessage(domain.NewRedirectMessage("/login"))
		h.Unregister(c)
	}
	return len(clients)
}

// UserClientCount reports live connections for uid.
func (h *Hub) UserClientCount(uid string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[uid])
}

// ClientCount reports live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown stops Run and closes every connection.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		c.detached = true
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.users = make(map[string]map[string]*Client)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.shutdown()
		}(c)
	}
	wg.Wait()
}
