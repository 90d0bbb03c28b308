// Package observe streams collection snapshots to local UI clients over
// websockets.
package observe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const defaultWriteTimeout = 5 * time.Second

// Source is satisfied by *helpsync.Manager.
type Source interface {
	Subscribe(buffer int) (<-chan helpsync.Snapshot, func())
}

// Message is the JSON frame sent for every snapshot.
type Message struct {
	Version  uint64                 `json:"version"`
	Requests []helpsync.HelpRequest `json:"requests"`
	Active   int                    `json:"active"`
	Finished int                    `json:"finished"`
	Error    string                 `json:"error,omitempty"`
}

func NewMessage(snap helpsync.Snapshot) Message {
	requests := snap.Requests
	if requests == nil {
		requests = []helpsync.HelpRequest{}
	}
	msg := Message{
		Version:  snap.Version,
		Requests: requests,
		Active:   len(snap.Active()),
		Finished: len(snap.Finished()),
	}
	if snap.Err != nil {
		msg.Error = snap.Err.Error()
	}
	return msg
}

type HubOptions struct {
	Logger         logrus.FieldLogger
	WriteTimeout   time.Duration
	OriginPatterns []string
}

type Hub struct {
	source       Source
	logger       logrus.FieldLogger
	writeTimeout time.Duration
	origins      []string
	clients      atomic.Int64
}

func NewHub(source Source, opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		source:       source,
		logger:       logger,
		writeTimeout: writeTimeout,
		origins:      opts.OriginPatterns,
	}
}

// Clients reports how many websocket clients are connected.
func (h *Hub) Clients() int {
	return int(h.clients.Load())
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	h.clients.Add(1)
	defer h.clients.Add(-1)
	logger := h.logger.WithField("remote", r.RemoteAddr)
	logger.Debug("observer connected")

	// Clients only listen; CloseRead handles their control frames and ends ctx
	// when they go away.
	ctx := conn.CloseRead(r.Context())
	snapshots, cancel := h.source.Subscribe(4)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("observer disconnected")
			return
		case snap, ok := <-snapshots:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := h.write(ctx, conn, NewMessage(snap)); err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.WithError(err).Warn("observer write failed")
				}
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}
