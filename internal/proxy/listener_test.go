package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"ai-anonymizing-proxy/internal/mock"
	"ai-anonymizing-proxy/internal/rewrite"
	"ai-anonymizing-proxy/internal/shaping"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestListener_AcceptsAndDispatches(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer upstream.Close()

	emptyRules := writeRulesFile(t, `[]`)
	engine := mock.Load(emptyRules)
	h := NewHandler(nil, nil, engine, rewrite.Profile{}, shaping.Profile{}, nil, testLogger(), false, false)
	l := NewListener(h, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freePort(t)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Start(ctx, "127.0.0.1", port) }()
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	req := "GET http://" + upstream.Listener.Addr().String() + "/ HTTP/1.1\r\nHost: " + upstream.Listener.Addr().String() + "\r\n\r\n"
	_, _ = conn.Write([]byte(req))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Error("listener did not stop after cancel")
	}
}
