package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/adb"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/hub"
	"github.com/AdityaShen/Simba-Diagnostics-Tool/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, staticDir string) *Server {
	t.Helper()
	log := discardLogger()
	bus := adb.New("/nonexistent/adb", log)
	sessions := session.NewManager(bus, log)
	return &Server{
		hub:       hub.New(bus, sessions, log),
		sessions:  sessions,
		log:       log,
		staticDir: staticDir,
	}
}

func writeStaticFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestStaticHandlerServesFilesAndFallsBack(t *testing.T) {
	dir := t.TempDir()
	writeStaticFile(t, dir, "index.html", "<html>ui</html>")
	writeStaticFile(t, dir, "app.js", "console.log('ui')")

	srv := httptest.NewServer(newTestServer(t, dir).staticHandler())
	defer srv.Close()

	get := func(path string) string {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: status %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	if body := get("/"); !strings.Contains(body, "ui") {
		t.Errorf("index body = %q", body)
	}
	if body := get("/app.js"); !strings.Contains(body, "console.log") {
		t.Errorf("asset body = %q", body)
	}
	// client-side routes deep-link into the SPA
	if body := get("/devices/emulator-5554"); !strings.Contains(body, "<html>") {
		t.Errorf("fallback body = %q", body)
	}
}

func TestWebSocketGreetingAndDispatch(t *testing.T) {
	gw := newTestServer(t, t.TempDir())
	srv := httptest.NewServer(http.HandlerFunc(gw.handleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// first frame on every connection is the server greeting
	var greeting map[string]interface{}
	if err := conn.ReadJSON(&greeting); err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if greeting["type"] != "serverInfo" {
		t.Fatalf("greeting type = %v", greeting["type"])
	}
	if _, ok := greeting["version"]; !ok {
		t.Error("greeting missing version")
	}

	if err := conn.WriteJSON(map[string]interface{}{
		"action": "noSuchAction", "commandId": "c1",
	}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp["type"] != "error" || resp["message"] != "Unknown action" {
		t.Errorf("response = %v", resp)
	}
	if resp["commandId"] != "c1" {
		t.Errorf("commandId not echoed: %v", resp)
	}
}

func TestClientBufferedByteAccounting(t *testing.T) {
	// no writePump: queued frames stay buffered
	c := newClient("c1", nil, discardLogger())

	if err := c.SendBinary(make([]byte, 1000)); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	if err := c.SendBinary(make([]byte, 500)); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	if got := c.BufferedBytes(); got != 1500 {
		t.Errorf("BufferedBytes = %d, want 1500", got)
	}
}

func TestClientSendAfterCloseFails(t *testing.T) {
	server, client := testWSPair(t)
	defer server.Close()

	c := newClient("c1", client, discardLogger())
	c.close()
	if err := c.SendBinary([]byte{0x01}); err != ErrClientClosed {
		t.Errorf("send after close = %v, want ErrClientClosed", err)
	}
}

// testWSPair returns a connected server-side raw conn and client-side
// websocket conn.
func testWSPair(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// hold the connection open until the test finishes
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return srv, conn
}
