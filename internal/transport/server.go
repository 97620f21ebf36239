package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"workhub/collab/internal/collab"
	"workhub/collab/internal/util"
)

// Config carries the transport tuning knobs.
type Config struct {
	// HeartbeatInterval is how often clients are expected to heartbeat.
	HeartbeatInterval time.Duration
	// Liveness is the read deadline: three missed heartbeats and the
	// server stops waiting on the socket.
	Liveness         time.Duration
	SubscriberBuffer int
	CORSOrigin       string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.Liveness <= 0 {
		c.Liveness = 3 * c.HeartbeatInterval
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

// Server exposes the engine over WebSocket plus two read-only HTTP
// endpoints for health and room stats.
type Server struct {
	registry *collab.Registry
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(registry *collab.Registry, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		registry: registry,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.CORSOrigin == "" || cfg.CORSOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == cfg.CORSOrigin
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/ws/{documentId}", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": s.registry.Stats()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed for %s: %v", documentID, err)
		return
	}
	defer conn.Close()

	// The first frame must be a join, promptly.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var first Frame
	if err := conn.ReadJSON(&first); err != nil || first.Type != TypeJoin {
		_ = writeFrame(conn, errorFrame("JOIN_REQUIRED", "first frame must be join"))
		return
	}
	var join JoinPayload
	if err := DecodePayload(first, &join); err != nil {
		_ = writeFrame(conn, errorFrame("INVALID_BODY", err.Error()))
		return
	}

	connectionID := join.ConnectionID
	if connectionID == "" {
		connectionID = util.NewConnectionID()
	}

	room, err := s.registry.GetOrCreate(r.Context(), documentID)
	if err != nil {
		_ = writeFrame(conn, errorFrame("ROOM_UNAVAILABLE", err.Error()))
		return
	}

	sub := collab.NewSubscriber(connectionID, s.cfg.SubscriberBuffer)
	result, err := room.Join(collab.PresenceIndicator{
		UserID:       join.UserID,
		UserName:     join.UserName,
		UserAvatar:   join.UserAvatar,
		ConnectionID: connectionID,
	}, sub, join.LastSeq)
	if err != nil {
		_ = writeFrame(conn, errorFrame("JOIN_FAILED", err.Error()))
		return
	}

	log.Printf(`{"event":"ws_open","document":"%s","connection":"%s","user":"%s"}`, documentID, connectionID, join.UserID)

	outbound := make(chan Frame, 16)
	writerDone := make(chan struct{})
	go s.writePump(conn, sub, outbound, result, writerDone)

	explicitLeave := s.readLoop(conn, room, connectionID, outbound)
	if !explicitLeave {
		_ = room.Detach(connectionID)
	}
	conn.Close()
	<-writerDone
	log.Printf(`{"event":"ws_close","document":"%s","connection":"%s","explicit":%t}`, documentID, connectionID, explicitLeave)
}

// readLoop decodes client frames into room commands until the socket drops
// or the client leaves. Malformed frames are dropped and logged, never
// fatal to the room.
func (s *Server) readLoop(conn *websocket.Conn, room *collab.Room, connectionID string, outbound chan<- Frame) (explicitLeave bool) {
	resetDeadline := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.Liveness)) }
	resetDeadline()
	conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("transport: read error on %s: %v", connectionID, err)
			}
			return false
		}
		resetDeadline()

		switch frame.Type {
		case TypeHeartbeat:
			if err := room.Heartbeat(connectionID); err != nil {
				s.reportCommandError(outbound, err)
			}
		case TypeLeave:
			if err := room.Leave(connectionID); err != nil {
				log.Printf("transport: leave failed for %s: %v", connectionID, err)
			}
			return true
		case TypeAction:
			var payload ActionPayload
			if err := DecodePayload(frame, &payload); err != nil {
				log.Printf("transport: dropping malformed frame from %s: %v", connectionID, err)
				continue
			}
			if err := room.SetAction(connectionID, payload.Action); err != nil {
				s.reportCommandError(outbound, err)
			}
		case TypeOperationSubmit:
			var payload OperationSubmitPayload
			if err := DecodePayload(frame, &payload); err != nil {
				log.Printf("transport: dropping malformed frame from %s: %v", connectionID, err)
				continue
			}
			if _, err := room.SubmitOperation(connectionID, payload.EntityID, payload.BaseVersion, payload.Operation); err != nil {
				s.reportCommandError(outbound, err)
			}
		case TypeConflictResolve:
			var payload ConflictResolvePayload
			if err := DecodePayload(frame, &payload); err != nil {
				log.Printf("transport: dropping malformed frame from %s: %v", connectionID, err)
				continue
			}
			if _, err := room.Resolve(payload.ConflictID, payload.Decision, payload.ResolvedBy); err != nil {
				s.reportCommandError(outbound, err)
			}
		default:
			log.Printf("transport: dropping unknown frame type %q from %s", frame.Type, connectionID)
		}
	}
}

// reportCommandError maps engine errors to wire frames. A full room inbox
// becomes a slow-down signal rather than a hard failure.
func (s *Server) reportCommandError(outbound chan<- Frame, err error) {
	var frame Frame
	switch {
	case errors.Is(err, collab.ErrQueueFull):
		frame, _ = EncodeFrame(TypeSlowDown, 0, SlowDownPayload{RetryAfterMs: 250})
	case errors.Is(err, collab.ErrRoomClosed):
		frame = errorFrame("ROOM_CLOSED", err.Error())
	case errors.Is(err, collab.ErrUnknownConflict):
		frame = errorFrame("UNKNOWN_CONFLICT", err.Error())
	case errors.Is(err, collab.ErrInvalidDecision):
		frame = errorFrame("INVALID_DECISION", err.Error())
	case errors.Is(err, collab.ErrInvalidOperation):
		frame = errorFrame("INVALID_OPERATION", err.Error())
	default:
		frame = errorFrame("COMMAND_FAILED", err.Error())
	}
	select {
	case outbound <- frame:
	default:
	}
}

// writePump is the single writer for a connection: the join reply first,
// then backfill, then the live event stream interleaved with direct frames
// and pings.
func (s *Server) writePump(conn *websocket.Conn, sub *collab.Subscriber, outbound <-chan Frame, result collab.JoinResult, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	state := RoomStatePayload{
		ConnectionID: sub.ConnectionID,
		Self:         result.Self,
		Snapshot:     result.Snapshot,
		Conflicts:    result.Pending,
		CurrentSeq:   result.CurrentSeq,
	}
	frame, err := EncodeFrame(TypeRoomState, result.CurrentSeq, state)
	if err != nil || writeFrame(conn, frame) != nil {
		return
	}
	for _, e := range result.Backfill {
		frame, err := eventFrame(e)
		if err != nil {
			continue
		}
		if writeFrame(conn, frame) != nil {
			return
		}
	}

	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "room closed stream"),
					time.Now().Add(time.Second))
				return
			}
			frame, err := eventFrame(e)
			if err != nil {
				log.Printf("transport: skipping unencodable event seq %d: %v", e.Seq, err)
				continue
			}
			if writeFrame(conn, frame) != nil {
				return
			}
		case frame := <-outbound:
			if writeFrame(conn, frame) != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

func errorFrame(code, message string) Frame {
	frame, _ := EncodeFrame(TypeError, 0, ErrorPayload{Code: code, Message: message})
	return frame
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
