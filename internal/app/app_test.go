package app_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/cricex/voicebridge/internal/app"
	"github.com/cricex/voicebridge/internal/config"
	"github.com/cricex/voicebridge/internal/observe"
)

// startReadySpeechServer accepts a websocket, drains session.update, and
// immediately replies with session.updated so the Session becomes ready.
func startReadySpeechServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		updated, _ := json.Marshal(map[string]any{
			"type":    "session.updated",
			"session": map[string]any{"input_sample_rate_hz": 16000, "output_sample_rate_hz": 16000},
		})
		if err := conn.Write(ctx, websocket.MessageText, updated); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

// freeAddr reserves an ephemeral TCP port and returns its address string.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func writeConfig(t *testing.T, speechURL, listenAddr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "voicebridge.yaml")
	yaml := `
server:
  listen_addr: "` + listenAddr + `"
speech:
  endpoint: "` + speechURL + `"
  auto_response: false
media:
  frame_bytes: 640
  telephony_rate_hz: 16000
  bidirectional: true
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestServerAcceptsMediaConnectionAndTracksActiveCalls(t *testing.T) {
	t.Parallel()

	speechSrv := startReadySpeechServer(t)
	speechURL := "ws" + strings.TrimPrefix(speechSrv.URL, "http")
	listenAddr := freeAddr(t)

	cfgPath := writeConfig(t, speechURL, listenAddr)
	watcher, err := config.NewWatcher(cfgPath, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	srv := app.New(watcher, app.WithMetrics(metrics))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	// Give the listener a moment to bind.
	time.Sleep(100 * time.Millisecond)

	clientURL := "ws://" + listenAddr + app.MediaPath
	conn, _, err := websocket.Dial(context.Background(), clientURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, ackData, err := conn.Read(readCtx)
	readCancel()
	if err != nil {
		t.Fatalf("expected initial ack, got error: %v", err)
	}
	if string(ackData) == "" {
		t.Error("expected non-empty ack payload")
	}

	conn.Close(websocket.StatusNormalClosure, "test done")
	cancel()

	select {
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			t.Errorf("Run returned unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestHealthzEndpoint(t *testing.T) {
	t.Parallel()

	speechSrv := startReadySpeechServer(t)
	speechURL := "ws" + strings.TrimPrefix(speechSrv.URL, "http")
	listenAddr := freeAddr(t)
	cfgPath := writeConfig(t, speechURL, listenAddr)

	watcher, err := config.NewWatcher(cfgPath, nil, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	srv := app.New(watcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://" + listenAddr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
