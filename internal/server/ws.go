package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/emberchat/emberhub/internal/hub"
	"github.com/emberchat/emberhub/internal/monitoring"
	"github.com/emberchat/emberhub/internal/protocol"
)

// handleWebSocket admits the connection against both caps, upgrades it, and
// starts the pumps. The read pump owns teardown.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	if !s.tracker.Acquire(addr) {
		s.logger.Debug().
			Str("addr", addr).
			Int64("current_connections", s.tracker.Count()).
			Msg("Connection rejected at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.tracker.Release(addr)
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Error().Err(err).Str("addr", addr).Msg("Failed to upgrade connection")
		return
	}

	c := hub.NewConn(uuid.NewString(), addr)
	s.hub.AddConn(c)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Inc()

	s.logger.Debug().Str("conn_id", c.ID).Str("addr", addr).Msg("Connection established")

	go s.writePump(netConn, c)
	go s.readPump(netConn, c)
}

// readPump reads frames until the socket closes, dispatching each into the
// hub. It runs the single teardown on exit.
func (s *Server) readPump(netConn net.Conn, c *hub.Conn) {
	defer monitoring.RecoverPanic(s.logger, "read_pump", map[string]any{"conn_id": c.ID})
	defer func() {
		s.hub.Disconnect(context.Background(), c)
		s.tracker.Release(c.Addr)
		monitoring.ConnectionsCurrent.Dec()
		netConn.Close()
	}()

	netConn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return
		}
		netConn.SetReadDeadline(time.Now().Add(pongWait))

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			if !s.limiter.Allow(c.Addr) {
				monitoring.RateLimitedMessages.Inc()
				s.hub.SendError(c, "Rate limit exceeded")
				continue
			}
			s.dispatch(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// writePump drains the mailbox onto the socket and keeps the peer alive with
// pings. It exits when the mailbox closes or a write fails.
func (s *Server) writePump(netConn net.Conn, c *hub.Conn) {
	defer monitoring.RecoverPanic(s.logger, "write_pump", map[string]any{"conn_id": c.ID})

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		netConn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.Send():
			if !ok {
				wsutil.WriteServerMessage(netConn, ws.OpClose, []byte{})
				return
			}
			netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(netConn, ws.OpText, payload); err != nil {
				s.logger.Debug().
					Str("conn_id", c.ID).
					Err(err).
					Int("message_size", len(payload)).
					Msg("Failed to write message to client")
				return
			}
			monitoring.MessagesSent.Inc()
			monitoring.BytesSent.Add(float64(len(payload)))

		case <-ticker.C:
			netConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(netConn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one frame and routes it to the owning hub subsystem.
func (s *Server) dispatch(c *hub.Conn, raw []byte) {
	ctx := context.Background()

	kind, msg, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug().Str("conn_id", c.ID).Str("kind", kind).Err(err).Msg("Undecodable frame")
		if errors.Is(err, protocol.ErrUnknownType) {
			s.hub.SendError(c, "Invalid message type")
		} else {
			s.hub.SendError(c, "Malformed message")
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Register:
		s.hub.Register(c, m)
	case protocol.PresenceHello:
		s.hub.PresenceHello(ctx, c, m)
	case protocol.PresenceActive:
		s.hub.PresenceActive(ctx, c, m)
	case protocol.ProfileAnnounce:
		s.hub.ProfileAnnounce(ctx, c, m)
	case protocol.ProfileHello:
		s.hub.ProfileHello(ctx, c, m)
	case protocol.ProfilePush:
		s.hub.ProfilePush(c, m)
	case protocol.Signal:
		s.hub.ForwardSignal(c, m, raw)
	case protocol.VoiceRegister:
		s.hub.VoiceRegister(c, m)
	case protocol.VoiceUnregister:
		s.hub.VoiceUnregister(c, m)
	case protocol.VoiceSignal:
		s.hub.ForwardVoiceSignal(c, m, raw)
	case protocol.Ping:
		c.TrySend(protocol.Marshal(protocol.Pong{Type: protocol.TypePong}), "ping")
	case nil:
		// Inbound pong; deadline already refreshed by the read loop.
	}
}
