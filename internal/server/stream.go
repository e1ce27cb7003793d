package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	writeWait = 10 * time.Second

	msgPing   = "ping"
	msgPong   = "pong"
	msgResync = "resync"
)

// envelope is one message on the progress stream.
type envelope struct {
	Type      string          `json:"type"`
	Seq       int64           `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleStream upgrades to WebSocket and streams the job's events. Stored
// events after after_seq are replayed first; after_seq=-1 streams live
// events only. The stream ends after the job's terminal event, at once
// when that event is at or before after_seq. A client
// that falls behind receives a resync message and should reload the
// snapshot.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "after_seq must be an integer"})
			return
		}
		afterSeq = n
	}

	id := r.PathValue("id")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribing before the upgrade lets ownership and lookup errors
	// surface as plain HTTP responses.
	sub, err := s.svc.Subscribe(ctx, owner(r), id, afterSeq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With("job_id", id)
	logger.Debug("stream opened", "after_seq", afterSeq)

	pings := make(chan struct{}, 8)
	go s.readClient(ctx, cancel, conn, pings)

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					logger.Warn("stream subscriber lagged")
					_ = writeEnvelope(conn, envelope{Type: msgResync, Timestamp: time.Now().UTC()})
				}
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
				return
			}
			if err := writeEnvelope(conn, eventEnvelope(e)); err != nil {
				logger.Debug("stream write failed", "error", err)
				return
			}
		case <-pings:
			if err := writeEnvelope(conn, envelope{Type: msgPong, Timestamp: time.Now().UTC()}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readClient answers pings and cancels ctx when the client goes away.
func (s *Server) readClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, pings chan<- struct{}) {
	defer cancel()
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != msgPing {
			continue
		}
		select {
		case pings <- struct{}{}:
		case <-ctx.Done():
			return
		}
	}
}

func eventEnvelope(e models.Event) envelope {
	return envelope{Type: string(e.Type), Seq: e.Seq, Data: e.Data, Timestamp: e.Timestamp}
}

func writeEnvelope(conn *websocket.Conn, env envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
