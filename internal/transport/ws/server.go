package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"buildcraft.ai/internal/protocol"
	"buildcraft.ai/internal/relay"
)

const (
	maxFrameBytes = 256 * 1024
	writeWait     = 5 * time.Second
	readWait      = 60 * time.Second
	pingEvery     = 25 * time.Second
)

// Server upgrades HTTP requests to relay connections. Each connection is one
// peer in one room for its whole lifetime.
type Server struct {
	hub      *relay.Hub
	outQueue int
	log      zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *relay.Hub, outQueue int, log zerolog.Logger) *Server {
	if outQueue <= 0 {
		outQueue = 256
	}
	return &Server{
		hub:      hub,
		outQueue: outQueue,
		log:      log.With().Str("component", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxFrameBytes)

		room, clientID, out := s.handshake(conn)
		if clientID == "" {
			return
		}
		log := s.log.With().Str("room", room).Str("client_id", clientID).Logger()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				case b, ok := <-out:
					if !ok {
						// Replaced by a newer connection with the same id.
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"), time.Now().Add(time.Second))
						_ = conn.Close()
						cancel()
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						log.Debug().Err(err).Msg("write failed")
						cancel()
						return
					}
				}
			}
		}()

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			select {
			case s.hub.Inbox() <- relay.Envelope{Room: room, ClientID: clientID, Out: out, Raw: msg}:
			case <-s.hub.Done():
				cancel()
			}
			if ctx.Err() != nil {
				break
			}
		}

		// Cleanup.
		select {
		case s.hub.Leave() <- relay.LeaveRequest{Room: room, ClientID: clientID, Out: out}:
		case <-s.hub.Done():
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) (room, clientID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", "", nil
	}

	hello, err := protocol.DecodeHello(msg)
	if err != nil {
		s.fail(conn, protocol.ErrProtoBadRequest, "expected HELLO")
		return "", "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		s.fail(conn, protocol.ErrProtoBadRequest, "unsupported protocolVersion")
		return "", "", nil
	}

	out = make(chan []byte, s.outQueue)
	respCh := make(chan relay.JoinResponse, 1)
	req := relay.JoinRequest{
		Room:     hello.Room,
		Name:     hello.ClientName,
		ClientID: hello.ClientID,
		Out:      out,
		Resp:     respCh,
	}
	select {
	case s.hub.Join() <- req:
	case <-s.hub.Done():
		s.fail(conn, protocol.ErrInternal, "relay shutting down")
		return "", "", nil
	}
	var resp relay.JoinResponse
	select {
	case resp = <-respCh:
	case <-s.hub.Done():
		return "", "", nil
	}
	if resp.Err != nil {
		_ = writeJSON(conn, resp.Err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, resp.Err.Code), time.Now().Add(time.Second))
		return "", "", nil
	}

	if err := writeJSON(conn, resp.Welcome); err != nil {
		// Joined but unreachable; release the slot.
		select {
		case s.hub.Leave() <- relay.LeaveRequest{Room: hello.Room, ClientID: resp.Welcome.ClientID, Out: out}:
		case <-s.hub.Done():
		}
		return "", "", nil
	}
	return resp.Welcome.Room, resp.Welcome.ClientID, out
}

func (s *Server) fail(conn *websocket.Conn, code, message string) {
	_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
