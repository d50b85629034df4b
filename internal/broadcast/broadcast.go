// Package broadcast owns the live-connection registry and every outbound
// send. No other component writes to the connection map.
package broadcast

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/wire"
)

type Role string

const (
	RoleAgent     Role = "agent"
	RoleSpectator Role = "spectator"
	RoleBettor    Role = "bettor"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
)

// Client is one registered connection. Agents start unauthenticated; the
// gateway upgrades them via AuthenticateAgent after the challenge clears.
type Client struct {
	conn *websocket.Conn
	send chan wire.Envelope
	once sync.Once

	mu   sync.RWMutex
	role Role
	addr common.Address
	name string
}

func (c *Client) Role() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Client) Address() (common.Address, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr, c.addr != (common.Address{})
}

func (c *Client) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// writePump serializes all writes to the conn. A full send buffer drops the
// frame rather than blocking a broadcast pass on one slow client.
func (c *Client) writePump() {
	for env := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(env); err != nil {
			// Reader side will observe the close and deregister.
			_ = c.conn.Close()
		}
	}
	_ = c.conn.Close()
}

func (c *Client) close() {
	c.once.Do(func() { close(c.send) })
}

type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
	agents  map[common.Address]*Client
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "broadcast").Logger(),
		clients: make(map[*Client]struct{}),
		agents:  make(map[common.Address]*Client),
	}
}

func (h *Hub) AddClient(conn *websocket.Conn, role Role) *Client {
	c := &Client{conn: conn, role: role, send: make(chan wire.Envelope, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writePump()
	return c
}

func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	if addr, ok := c.Address(); ok && h.agents[addr] == c {
		delete(h.agents, addr)
	}
	h.mu.Unlock()
	c.close()
}

// AuthenticateAgent binds the connection to a wallet address. A second
// login for the same address displaces the stale mapping.
func (h *Hub) AuthenticateAgent(c *Client, addr common.Address, name string) {
	c.mu.Lock()
	c.role = RoleAgent
	c.addr = addr
	c.name = name
	c.mu.Unlock()

	h.mu.Lock()
	h.agents[addr] = c
	h.mu.Unlock()
	h.log.Info().Str("agent", addr.Hex()).Str("name", name).Msg("agent authenticated")
}

// SendTo is a no-op when the client's buffer is full or it is gone.
func (h *Hub) SendTo(c *Client, event string, payload any) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode outbound event")
		return
	}
	h.deliver(c, env)
}

func (h *Hub) deliver(c *Client, env wire.Envelope) {
	defer func() {
		// Send on a closed channel means the client raced deregistration.
		if recover() != nil {
			h.log.Debug().Str("event", env.Type).Msg("dropped frame for closed client")
		}
	}()
	select {
	case c.send <- env:
	default:
		h.log.Warn().Str("event", env.Type).Msg("client send buffer full, frame dropped")
	}
}

func (h *Hub) SendToAgent(addr common.Address, event string, payload any) {
	h.mu.RLock()
	c := h.agents[addr]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.SendTo(c, event, payload)
}

// Broadcast fans an event out to the given roles. Readers take a snapshot
// so sends never hold the registry lock.
func (h *Hub) Broadcast(event string, payload any, roles ...Role) {
	env, err := wire.NewEnvelope(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode broadcast event")
		return
	}
	want := make(map[Role]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if len(roles) == 0 || want[c.Role()] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, env)
	}
}

// BroadcastPublic reaches spectators and bettors but not agents.
func (h *Hub) BroadcastPublic(event string, payload any) {
	h.Broadcast(event, payload, RoleSpectator, RoleBettor)
}

func (h *Hub) IsAgentConnected(addr common.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[addr] != nil
}

// AgentName returns the display name bound at auth time, if any.
func (h *Hub) AgentName(addr common.Address) (string, bool) {
	h.mu.RLock()
	c := h.agents[addr]
	h.mu.RUnlock()
	if c == nil {
		return "", false
	}
	name := c.Name()
	return name, name != ""
}

type Stats struct {
	Agents     int `json:"agents"`
	Spectators int `json:"spectators"`
	Bettors    int `json:"bettors"`
	Total      int `json:"total"`
}

func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var s Stats
	for c := range h.clients {
		switch c.Role() {
		case RoleAgent:
			s.Agents++
		case RoleBettor:
			s.Bettors++
		default:
			s.Spectators++
		}
	}
	s.Total = len(h.clients)
	return s
}
