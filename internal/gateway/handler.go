package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/memovoz/memovoz/internal/session"
)

// Session is the slice of the session controller the gateway drives on a
// client's behalf.
type Session interface {
	Status() session.Status
	OfferPending() bool
	Trigger(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	AcceptSave(ctx context.Context) error
	DeclineSave()
}

var _ Session = (*session.Controller)(nil)

// wsHandler upgrades gateway WebSocket connections and runs their read and
// write loops. Each connection is one UI or voice client.
type wsHandler struct {
	hub            *Hub
	remote         *RemoteSpeech
	session        Session
	originPatterns []string
}

func newWSHandler(hub *Hub, remote *RemoteSpeech, sess Session, originPatterns []string) *wsHandler {
	h := &wsHandler{
		hub:            hub,
		remote:         remote,
		session:        sess,
		originPatterns: originPatterns,
	}
	// A stalled client dropped mid-capture must not leave the session
	// waiting on it forever.
	hub.setOnDrop(remote.dropClient)
	return h
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		send: make(chan []byte, sendQueueSize),
	}
	slog.Info("gateway client connected", "client_id", c.id, "remote_addr", r.RemoteAddr)

	h.hub.attach(c)
	defer func() {
		h.hub.detach(c)
		h.remote.dropClient(c)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("websocket close failed", "error", closeErr, "client_id", c.id)
		}
		slog.Info("gateway client disconnected", "client_id", c.id)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Write pump: the hub's send queue is the only writer path, so a single
	// goroutine owns the connection's write side. detach closes the queue.
	go func() {
		defer cancel()
		for data := range c.send {
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				slog.Debug("websocket write failed", "error", err, "client_id", c.id)
				return
			}
		}
	}()

	// Late joiners need the current state before the event stream resumes.
	h.hub.sendTo(c, event{Type: eventStatus, Status: h.session.Status()})
	if h.session.OfferPending() {
		h.hub.sendTo(c, event{Type: eventOfferSave})
	}

	h.readLoop(ctx, ws, c)
}

func (h *wsHandler) readLoop(ctx context.Context, ws *websocket.Conn, c *client) {
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				slog.Warn("websocket read error", "error", err, "client_id", c.id)
			}
			return
		}

		// Binary frames are Opus packets from streaming voice clients.
		if msgType == websocket.MessageBinary {
			h.remote.ingestAudio(c, data)
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Warn("malformed gateway command", "error", err, "client_id", c.id)
			continue
		}
		h.dispatch(ctx, c, cmd)
	}
}

// dispatch routes one client command. Session errors are expected during
// normal operation (double triggers, stale saves) and are logged, not fatal.
func (h *wsHandler) dispatch(ctx context.Context, c *client, cmd command) {
	switch cmd.Type {
	case cmdHello:
		c.setCaps(clientCaps{
			capture:     cmd.SupportsCapture,
			playback:    cmd.SupportsPlayback,
			nativeAudio: cmd.SupportsNativeAudio,
		})
		slog.Debug("gateway client hello",
			"client_id", c.id,
			"capture", cmd.SupportsCapture,
			"playback", cmd.SupportsPlayback,
			"native_audio", cmd.SupportsNativeAudio)

	case cmdTrigger:
		if err := h.session.Trigger(ctx); err != nil {
			slog.Debug("trigger rejected", "error", err, "client_id", c.id)
		}

	case cmdMessage:
		if err := h.session.SendText(ctx, cmd.Text); err != nil {
			slog.Debug("text message rejected", "error", err, "client_id", c.id)
		}

	case cmdSave:
		if !cmd.Accept {
			h.session.DeclineSave()
			return
		}
		if err := h.session.AcceptSave(ctx); err != nil {
			slog.Debug("save rejected", "error", err, "client_id", c.id)
		}

	case cmdTranscript:
		h.remote.resolveTranscript(cmd.ID, strings.TrimSpace(cmd.Text), cmd.Confidence)

	case cmdCaptureError:
		h.remote.resolveCaptureError(cmd.ID, cmd.Reason)

	case cmdListenStop:
		h.remote.finishAudio(ctx, cmd.ID)

	case cmdPlaybackEnded:
		h.remote.resolvePlaybackEnd(cmd.ID, "")

	case cmdPlaybackError:
		h.remote.resolvePlaybackEnd(cmd.ID, cmd.Reason)

	default:
		slog.Warn("unknown gateway command", "type", cmd.Type, "client_id", c.id)
	}
}
