package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/cardsim/internal/domain"
)

// Stream message types.
const (
	StreamProgress = "progress"
	StreamTick     = "tick"
	StreamRun      = "run"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 256
)

// StreamMessage is one frame sent to a run stream client.
type StreamMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS middleware
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamRun handles GET /runs/{id}/stream. The client receives the cached
// progress, then one frame per tick, and a final run frame after which the
// connection is closed.
func (h *Handler) StreamRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	if h.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "run_id", run.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	send := make(chan StreamMessage, streamBuffer)

	// finished runs only get their final frame
	if run.Status == domain.RunCompleted || run.Status == domain.RunFailed {
		if frame, ok := newFrame(StreamRun, run); ok {
			send <- frame
		}
		close(send)
		h.writeFrames(ctx, conn, run.ID, send)
		return
	}

	tickSub, err := h.bus.Subscribe(ctx, domain.TopicTickComplete, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.TickEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Summary.RunID != run.ID {
			return nil
		}
		enqueue(send, StreamMessage{Type: StreamTick, Data: msg.Payload, Timestamp: time.Now().UTC()})
		return nil
	})
	if err != nil {
		slog.Error("failed to subscribe to ticks", "run_id", run.ID, "error", err)
		return
	}
	defer tickSub.Unsubscribe()

	done := make(chan struct{})
	runSub, err := h.bus.Subscribe(ctx, domain.TopicRunComplete, func(ctx context.Context, msg *domain.Message) error {
		var finished domain.Run
		if err := json.Unmarshal(msg.Payload, &finished); err != nil {
			return err
		}
		if finished.ID != run.ID {
			return nil
		}
		enqueue(send, StreamMessage{Type: StreamRun, Data: msg.Payload, Timestamp: time.Now().UTC()})
		select {
		case <-done:
		default:
			close(done)
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to subscribe to run completion", "run_id", run.ID, "error", err)
		return
	}
	defer runSub.Unsubscribe()

	// the run may have finished before the subscriptions existed
	if latest, err := h.repo.GetRun(ctx, run.ID); err == nil &&
		(latest.Status == domain.RunCompleted || latest.Status == domain.RunFailed) {
		if frame, ok := newFrame(StreamRun, latest); ok {
			enqueue(send, frame)
		}
	}

	if h.cache != nil {
		if p, err := h.cache.GetProgress(ctx, run.ID); err == nil && p != nil {
			if frame, ok := newFrame(StreamProgress, p); ok {
				enqueue(send, frame)
			}
		}
	}

	go h.readPump(conn, cancel)

	slog.Debug("run stream opened", "run_id", run.ID)
	h.writeLoop(ctx, conn, run.ID, send, done)
	slog.Debug("run stream closed", "run_id", run.ID)
}

// writeLoop forwards frames until the run finishes, the client goes away
// or a write fails.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, runID string, send <-chan StreamMessage, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-send:
			if err := writeFrame(conn, frame); err != nil {
				slog.Debug("stream write failed", "run_id", runID, "error", err)
				return
			}
			if frame.Type == StreamRun {
				closeStream(conn)
				return
			}
		case <-done:
			// drain frames queued before completion
			for {
				select {
				case frame := <-send:
					if err := writeFrame(conn, frame); err != nil {
						return
					}
					if frame.Type == StreamRun {
						closeStream(conn)
						return
					}
				default:
					closeStream(conn)
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// writeFrames writes every frame of a closed channel and closes the stream.
func (h *Handler) writeFrames(ctx context.Context, conn *websocket.Conn, runID string, send <-chan StreamMessage) {
	for frame := range send {
		if ctx.Err() != nil {
			return
		}
		if err := writeFrame(conn, frame); err != nil {
			slog.Debug("stream write failed", "run_id", runID, "error", err)
			return
		}
	}
	closeStream(conn)
}

// readPump discards client frames and cancels the stream once the client
// disconnects or stops answering pings.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("stream client error", "error", err)
			}
			return
		}
	}
}

func newFrame(kind string, v any) (StreamMessage, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode stream frame", "type", kind, "error", err)
		return StreamMessage{}, false
	}
	return StreamMessage{Type: kind, Data: data, Timestamp: time.Now().UTC()}, true
}

// enqueue drops the frame when the client is too slow to keep up.
func enqueue(send chan<- StreamMessage, frame StreamMessage) {
	select {
	case send <- frame:
	default:
		slog.Warn("stream client too slow, frame dropped", "type", frame.Type)
	}
}

func writeFrame(conn *websocket.Conn, frame StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(frame)
}

func closeStream(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
}
