package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/config"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/hub"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/version"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// trust boundary is the local host
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server runs the two process surfaces: the WebSocket listener clients
// stream through and the HTTP listener serving the static UI.
type Server struct {
	hub      *hub.Hub
	sessions *session.Manager
	log      *slog.Logger

	httpPort  int
	wsPort    int
	staticDir string
}

// New builds the gateway from the configured ports.
func New(h *hub.Hub, sessions *session.Manager, log *slog.Logger) *Server {
	return &Server{
		hub:       h,
		sessions:  sessions,
		log:       log.With("component", "gateway"),
		httpPort:  config.GetHTTPPort(),
		wsPort:    config.GetWebSocketPort(),
		staticDir: config.GetStaticDir(),
	}
}

// Run serves until the context is cancelled, then shuts both listeners
// down.
func (s *Server) Run(ctx context.Context) error {
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/", s.handleWebSocket)
	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.wsPort),
		Handler: wsMux,
	}

	staticServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.httpPort),
		Handler: s.staticHandler(),
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("websocket listener up", "port", s.wsPort)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		s.log.Info("http listener up", "port", s.httpPort, "dir", s.staticDir)
		if err := staticServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsServer.Shutdown(shutdownCtx)
	staticServer.Shutdown(shutdownCtx)
	return nil
}

// handleWebSocket upgrades a browser connection and runs its read loop.
// Text frames carry JSON commands; binary frames are control input for the
// client's session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(uuid.NewString(), conn, s.log)
	s.log.Info("client connected", "client", client.ID(), "remote", r.RemoteAddr)

	go client.writePump()

	client.SendJSON(map[string]interface{}{
		"type":           "serverInfo",
		"version":        version.Version,
		"simbaServerUrl": config.GetSimbaServerURL(),
	})

	s.readPump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		client.close()
		s.hub.ClientClosed(client.ID())
		s.log.Info("client disconnected", "client", client.ID())
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("client read error", "client", client.ID(), "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.hub.HandleMessage(client, data)
		case websocket.BinaryMessage:
			s.sessions.ForwardControl(client.ID(), data)
		}
	}
}
