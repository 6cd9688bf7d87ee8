package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleetdash/internal/dashboard"
	"fleetdash/internal/hub"
	"fleetdash/internal/logging"
	"fleetdash/internal/middleware"
	"fleetdash/internal/model"
	"fleetdash/internal/session"
)

const (
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxClientFrame = 64 * 1024
)

// WebSocketHandler serves the live view: every change of the user's
// dashboard is pushed as {"type":"machines","body":[...]}.
type WebSocketHandler struct {
	Hub      *hub.Hub
	Registry *dashboard.Registry
	Logger   *zap.Logger
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Body  interface{} `json:"body,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) logger() *zap.Logger {
	return logging.OrNop(h.Logger)
}

func send(conn *hub.Connection, msg serverMessage) {
	out, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !conn.Send(out) {
		conn.Close()
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	mail, ok := middleware.MailFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	d, err := h.Registry.Get(c.Request.Context(), mail)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No session"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Machine service unavailable"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	conn := hub.NewConnection(mail, &wsWriter{conn: ws}, hub.DefaultQueueSize)
	h.Hub.Register(conn)
	go conn.Run()
	defer func() {
		h.Hub.Unregister(conn)
		conn.Close()
	}()

	// Runs on the dashboard loop; send never blocks it.
	stopWatch := d.Watch(func(view []model.Machine) {
		send(conn, serverMessage{Type: "machines", Body: view})
	})
	defer stopWatch()

	done := make(chan struct{})
	defer close(done)
	go keepAlive(ws, conn, done)

	h.readLoop(ws, conn, d)
}

// keepAlive pings the browser until done or the connection is evicted.
func keepAlive(ws *websocket.Conn, conn *hub.Connection, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(ws *websocket.Conn, conn *hub.Connection, d *dashboard.Dashboard) {
	ws.SetReadLimit(maxClientFrame)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			send(conn, serverMessage{Type: "pong"})
		case "refresh":
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := d.Refresh(ctx)
			cancel()
			if err != nil {
				h.logger().Warn("refresh from live view", zap.String("user", d.Owner()), zap.Error(err))
				send(conn, serverMessage{Type: "error", Event: "refresh"})
			}
		}
	}
}
