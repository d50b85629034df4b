// Package gateway is the outer surface: the WebSocket dispatcher agents
// and observers speak to, and the read-only HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"signals/orchestrator/internal/auth"
	"signals/orchestrator/internal/broadcast"
	"signals/orchestrator/internal/wire"
)

const registryReadTimeout = 10 * time.Second

// Directory is the ledger subset used during authentication.
type Directory interface {
	IsRegistered(ctx context.Context, wallet common.Address) (bool, error)
	AgentName(ctx context.Context, wallet common.Address) (string, error)
}

// MatchOps is the engine subset driven by inbound frames.
type MatchOps interface {
	HandleMessage(matchID uint64, from common.Address, body string) error
	SubmitChoice(matchID uint64, from common.Address, choiceStr, sigHex string) error
}

// QueueOps is the quick-match queue surface.
type QueueOps interface {
	Join(addr common.Address) error
	Leave(addr common.Address)
}

// LobbyOps is the tournament lobby surface.
type LobbyOps interface {
	Join(addr common.Address) error
	Leave(addr common.Address)
	HandleJoinSigned(from common.Address, msg wire.TournamentJoinSigned) error
}

type Server struct {
	log zerolog.Logger

	hub       *broadcast.Hub
	auth      *auth.Store
	directory Directory
	matches   MatchOps
	queue     QueueOps
	lobby     LobbyOps
	metrics   *Metrics

	upgrader websocket.Upgrader
}

func NewServer(log zerolog.Logger, hub *broadcast.Hub, store *auth.Store, dir Directory, matches MatchOps, q QueueOps, lobby LobbyOps, metrics *Metrics) *Server {
	return &Server{
		log:       log.With().Str("component", "gateway").Logger(),
		hub:       hub,
		auth:      store,
		directory: dir,
		matches:   matches,
		queue:     q,
		lobby:     lobby,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from anywhere; auth happens in-protocol.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs its read loop. Connections
// start as spectators (or bettors via ?role=bettor); agents upgrade by
// answering the signing challenge.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("ws upgrade failed")
		return
	}
	if s.metrics != nil {
		s.metrics.wsUpgrades.Inc()
	}

	role := broadcast.RoleSpectator
	wantsAuth := false
	switch r.URL.Query().Get("role") {
	case "bettor":
		role = broadcast.RoleBettor
	case "agent":
		wantsAuth = true
	}
	c := s.hub.AddClient(conn, role)

	if wantsAuth {
		s.sendChallenge(c)
	}

	go s.readLoop(conn, c)
}

func (s *Server) sendChallenge(c *broadcast.Client) {
	ch, err := s.auth.GenerateChallenge()
	if err != nil {
		s.log.Error().Err(err).Msg("generate challenge")
		s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "challenge unavailable"})
		return
	}
	s.hub.SendTo(c, wire.EvAuthChallenge, wire.AuthChallengePayload{
		Challenge:   ch.Text,
		ChallengeID: ch.ID,
		ExpiresAt:   ch.ExpiresAt,
	})
}

func (s *Server) readLoop(conn *websocket.Conn, c *broadcast.Client) {
	defer s.dropClient(c)
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelope(frame)
		if err != nil {
			if s.metrics != nil {
				s.metrics.wsErrors.Inc()
			}
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "malformed frame"})
			continue
		}
		if s.metrics != nil {
			s.metrics.framesIn.WithLabelValues(env.Type).Inc()
		}
		if env.Type == wire.CmdDisconnect {
			return
		}
		s.dispatch(c, env)
	}
}

// dropClient deregisters the connection and clears its queue memberships.
func (s *Server) dropClient(c *broadcast.Client) {
	if addr, ok := c.Address(); ok {
		s.queue.Leave(addr)
		s.lobby.Leave(addr)
	}
	s.hub.RemoveClient(c)
}

// dispatch routes one inbound envelope. Every non-auth type requires an
// authenticated agent.
func (s *Server) dispatch(c *broadcast.Client, env wire.Envelope) {
	if env.Type == wire.CmdAuthResponse {
		s.handleAuthResponse(c, env.Payload)
		return
	}

	addr, ok := c.Address()
	if !ok || c.Role() != broadcast.RoleAgent {
		s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "not authenticated"})
		return
	}

	switch env.Type {
	case wire.CmdJoinQueue:
		if err := s.queue.Join(addr); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: err.Error()})
		}
	case wire.CmdLeaveQueue:
		s.queue.Leave(addr)
	case wire.CmdJoinTournamentQueue:
		if err := s.lobby.Join(addr); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: err.Error()})
		}
	case wire.CmdLeaveTournamentQueue:
		s.lobby.Leave(addr)
	case wire.CmdMatchMessage:
		var msg wire.MatchMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "malformed payload"})
			return
		}
		if err := s.matches.HandleMessage(msg.MatchID, addr, msg.Message); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: err.Error()})
		}
	case wire.CmdChoiceSubmitted:
		var msg wire.ChoiceSubmitted
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "malformed payload"})
			return
		}
		if err := s.matches.SubmitChoice(msg.MatchID, addr, msg.Choice, msg.Signature); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: err.Error()})
		}
	case wire.CmdTournamentJoinSigned:
		var msg wire.TournamentJoinSigned
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "malformed payload"})
			return
		}
		if err := s.lobby.HandleJoinSigned(addr, msg); err != nil {
			s.log.Debug().Err(err).Str("agent", addr.Hex()).Msg("join signed rejected")
		}
	default:
		if s.metrics != nil {
			s.metrics.wsErrors.Inc()
		}
		s.hub.SendTo(c, wire.EvError, wire.ErrorPayload{Message: "unknown event type: " + env.Type})
	}
}

// handleAuthResponse verifies the challenge signature, requires on-ledger
// registration, and upgrades the connection to an agent.
func (s *Server) handleAuthResponse(c *broadcast.Client, payload json.RawMessage) {
	fail := func(reason string) {
		if s.metrics != nil {
			s.metrics.authFailed.Inc()
		}
		s.hub.SendTo(c, wire.EvAuthFailed, wire.AuthFailedPayload{Reason: reason})
	}

	var msg wire.AuthResponse
	if err := json.Unmarshal(payload, &msg); err != nil {
		fail("malformed payload")
		return
	}
	if !common.IsHexAddress(msg.Address) {
		fail("invalid address")
		return
	}
	addr := common.HexToAddress(msg.Address)

	ok, err := s.auth.VerifyChallenge(msg.ChallengeID, addr, msg.Signature)
	if err != nil || !ok {
		s.log.Debug().Err(err).Str("claimed", msg.Address).Msg("auth rejected")
		fail("signature verification failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryReadTimeout)
	defer cancel()
	registered, err := s.directory.IsRegistered(ctx, addr)
	if err != nil {
		fail("registry unavailable")
		return
	}
	if !registered {
		fail("agent not registered")
		return
	}
	name, err := s.directory.AgentName(ctx, addr)
	if err != nil {
		name = ""
	}

	s.hub.AuthenticateAgent(c, addr, name)
	s.hub.SendTo(c, wire.EvAuthSuccess, wire.AuthSuccessPayload{Address: addr.Hex(), Name: name})
}
