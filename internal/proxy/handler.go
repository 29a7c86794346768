package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/metrics"
	"ai-anonymizing-proxy/internal/mitm"
	"ai-anonymizing-proxy/internal/mock"
	"ai-anonymizing-proxy/internal/resolver"
	"ai-anonymizing-proxy/internal/rewrite"
	"ai-anonymizing-proxy/internal/shaping"
)

// initialReadSize bounds the first read off a newly-accepted client socket
// (spec.md §4.F: "read up to 4 KiB from client").
const initialReadSize = 4096

// dialTimeout bounds upstream TCP connect attempts; DoH has its own 5s
// budget inside internal/resolver.
const dialTimeout = 20 * time.Second

// Handler implements the per-connection state machine (component F):
// Init -> Classified -> {HttpRelay | TlsAccept -> TlsRelay} -> Closed.
type Handler struct {
	ca       *mitm.CA
	resolver *resolver.Resolver
	mock     *mock.Engine
	rewrite  rewrite.Profile
	shaping  shaping.Profile
	metrics  *metrics.Metrics
	log      *logger.Logger
	useDoH   bool
	privacy  bool
}

// NewHandler wires a Handler's dependencies. ca and rslv may be nil. With a
// nil ca, CONNECT requests fail that single connection rather than the
// listener; with a nil rslv, DoH is skipped and the host name is dialed
// directly.
func NewHandler(ca *mitm.CA, rslv *resolver.Resolver, mockEngine *mock.Engine, rewriteProfile rewrite.Profile, shapingProfile shaping.Profile, m *metrics.Metrics, log *logger.Logger, useDoH, privacyMode bool) *Handler {
	return &Handler{
		ca:       ca,
		resolver: rslv,
		mock:     mockEngine,
		rewrite:  rewriteProfile,
		shaping:  shapingProfile,
		metrics:  m,
		log:      log,
		useDoH:   useDoH,
		privacy:  privacyMode,
	}
}

// Handle drives one accepted client connection through the state machine.
// It always closes conn before returning.
func (h *Handler) Handle(conn net.Conn) {
	defer conn.Close() //nolint:errcheck

	buf := make([]byte, initialReadSize)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		return // Init: nothing to classify, close silently
	}
	buf = buf[:n]

	method, target, _, headEnd, ok := parseRequestLine(buf)
	if !ok {
		h.log.Warnf("classify", "%v: closing", ErrClientProtocol)
		return
	}

	if h.metrics != nil {
		h.metrics.RequestsTotal.Add(1)
	}

	if strings.EqualFold(method, "CONNECT") {
		h.logClassify(method, target)
		h.handleConnect(conn, target)
		return
	}

	h.logClassify(method, target)
	h.handleHTTP(conn, method, target, buf, headEnd)
}

func (h *Handler) logClassify(method, target string) {
	if h.privacy {
		h.log.Info("classify", method+" <redacted>")
		return
	}
	h.log.Infof("classify", "%s %s", method, target)
}

// --- HttpRelay ---

func (h *Handler) handleHTTP(conn net.Conn, method, target string, headBytes []byte, headEnd int) {
	host, port, ok := extractHostPort(target)
	if !ok {
		host, port, ok = scanHostHeader(headBytes[:headEnd])
	}
	if !ok {
		h.log.Warnf("classify", "%v: no host available, closing", ErrClientProtocol)
		return
	}
	if port == "" {
		port = "80"
	}

	if resp := h.mock.Match(target); resp != nil {
		if h.metrics != nil {
			h.metrics.RequestsMocked.Add(1)
		}
		h.log.Infof("mock", "hit for %s", target)
		_, _ = conn.Write(mock.Render(*resp))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialAddr, err := h.resolveDialAddr(ctx, host, port)
	if err != nil {
		h.log.Warnf("upstream_connect", "%v: %s: %v", ErrResolution, host, err)
		return
	}

	start := time.Now()
	upstream, err := net.DialTimeout("tcp", dialAddr, dialTimeout)
	if err != nil {
		if h.metrics != nil {
			h.metrics.UpstreamConnectFailures.Add(1)
		}
		h.log.Warnf("upstream_connect", "%v: dial %s: %v", ErrUpstreamConnect, dialAddr, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordUpstreamConnectLatency(time.Since(start))
	}
	defer upstream.Close() //nolint:errcheck

	shaping.ApplySocketOptions(upstream, h.shaping)

	initial := rewrite.Modify(headBytes, h.rewrite, h.shaping.PaddingSize)
	if err := shaping.Send(upstream, initial, h.shaping); err != nil {
		h.log.Warnf("upstream_connect", "write to %s: %v", dialAddr, err)
		return
	}
	if h.metrics != nil {
		h.metrics.BytesShapedUpstream.Add(int64(len(initial)))
	}

	h.relay(conn, upstream)
}

// resolveDialAddr returns the "host:port" (or "ip:port" under DoH) to dial.
func (h *Handler) resolveDialAddr(ctx context.Context, host, port string) (string, error) {
	if !h.useDoH || h.resolver == nil {
		return net.JoinHostPort(host, port), nil
	}
	start := time.Now()
	ips, dohErr, err := h.resolver.Resolve(ctx, host)
	if h.metrics != nil {
		h.metrics.RecordDoHLatency(time.Since(start))
	}
	if dohErr != nil && !h.privacy {
		h.log.Warnf("doh_resolve", "DoH resolution failed for %s, using system DNS: %v", host, dohErr)
	}
	if err != nil || len(ips) == 0 {
		if h.metrics != nil {
			h.metrics.DoHFailures.Add(1)
		}
		if err == nil {
			err = resolver.ErrResolutionFailed
		}
		return "", err
	}
	return net.JoinHostPort(ips[0].String(), port), nil
}

// --- TlsAccept / TlsRelay ---

func (h *Handler) handleConnect(conn net.Conn, target string) {
	if h.metrics != nil {
		h.metrics.ConnectsTotal.Add(1)
	}
	host, port, ok := extractHostPort(target)
	if !ok || port == "" {
		h.log.Warnf("classify", "%v: malformed CONNECT target, closing", ErrClientProtocol)
		return
	}
	if h.ca == nil {
		h.log.Warnf("tls_handshake", "%v: CA unavailable, closing", ErrCertMint)
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	clientTLS := tls.Server(conn, h.ca.TLSConfigForHost(host))
	if err := clientTLS.Handshake(); err != nil {
		if h.metrics != nil {
			h.metrics.TLSHandshakeFailures.Add(1)
		}
		h.log.Warnf("tls_handshake", "%v: client handshake for %s: %v", ErrTLSHandshake, host, err)
		return
	}
	defer clientTLS.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	dialAddr, err := h.resolveDialAddr(ctx, host, port)
	if err != nil {
		h.log.Warnf("upstream_connect", "%v: %s: %v", ErrResolution, host, err)
		return
	}

	start := time.Now()
	rawUpstream, err := net.DialTimeout("tcp", dialAddr, dialTimeout)
	if err != nil {
		if h.metrics != nil {
			h.metrics.UpstreamConnectFailures.Add(1)
		}
		h.log.Warnf("upstream_connect", "%v: dial %s: %v", ErrUpstreamConnect, dialAddr, err)
		return
	}
	shaping.ApplySocketOptions(rawUpstream, h.shaping)

	upstreamTLS := tls.Client(rawUpstream, &tls.Config{ServerName: host})
	if err := upstreamTLS.Handshake(); err != nil {
		rawUpstream.Close() //nolint:errcheck
		if h.metrics != nil {
			h.metrics.TLSHandshakeFailures.Add(1)
		}
		h.log.Warnf("tls_handshake", "%v: upstream handshake for %s: %v", ErrTLSHandshake, host, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordUpstreamConnectLatency(time.Since(start))
	}
	defer upstreamTLS.Close() //nolint:errcheck

	h.relay(clientTLS, upstreamTLS)
}

// --- Relay ---

// relay runs the two cooperative pipes described in spec.md §4.F: the
// client->upstream leg is rewritten and shaped per chunk; the
// upstream->client leg is a straight copy. It returns once both legs have
// drained.
func (h *Handler) relay(client, upstream net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		h.pumpClientToUpstream(client, upstream)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		closeWrite(client)
		done <- struct{}{}
	}()

	<-done
	<-done
}

func (h *Handler) pumpClientToUpstream(client, upstream net.Conn) {
	buf := make([]byte, initialReadSize)
	for {
		n, err := client.Read(buf)
		if n > 0 {
			chunk := rewrite.Modify(buf[:n], h.rewrite, h.shaping.PaddingSize)
			if werr := shaping.Send(upstream, chunk, h.shaping); werr != nil {
				break
			}
			if h.metrics != nil {
				h.metrics.BytesShapedUpstream.Add(int64(len(chunk)))
			}
		}
		if err != nil {
			break
		}
	}
	closeWrite(upstream)
}

// closeWrite half-closes conn's write side when the underlying transport
// supports it: *net.TCPConn shuts down its write side, and *tls.Conn sends
// close_notify while leaving the connection readable. Any other conn is
// closed outright, so the peer goroutine's blocked Read observes EOF and the
// relay unwinds.
func closeWrite(conn net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// --- request-line / header parsing ---

// parseRequestLine splits the first CRLF-terminated line of buf into
// METHOD, TARGET, VERSION, and returns the byte offset of the header/body
// boundary (the first blank line), or len(buf) if none is present.
func parseRequestLine(buf []byte) (method, target, version string, headEnd int, ok bool) {
	s := string(buf)
	lineEnd := strings.Index(s, "\r\n")
	if lineEnd < 0 {
		lineEnd = len(s)
	}
	fields := strings.Fields(s[:lineEnd])
	if len(fields) < 2 {
		return "", "", "", 0, false
	}
	method = fields[0]
	target = fields[1]
	if len(fields) > 2 {
		version = fields[2]
	}

	if idx := strings.Index(s, "\r\n\r\n"); idx >= 0 {
		headEnd = idx + 4
	} else {
		headEnd = len(s)
	}
	return method, target, version, headEnd, true
}

// extractHostPort parses target as either a bare "host:port" (CONNECT) or
// an absolute-URI ("http://host[:port]/path"), returning the host and port
// if present. Port is "" when absent (caller applies a default).
func extractHostPort(target string) (host, port string, ok bool) {
	if !strings.Contains(target, "/") {
		if h, p, err := net.SplitHostPort(target); err == nil {
			return h, p, true
		}
	}

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		return h, p, true
	}
	return u.Host, "", true
}

// scanHostHeader finds the first case-insensitive "Host:" line within
// headBlock and splits it into host/port.
func scanHostHeader(headBlock []byte) (host, port string, ok bool) {
	lines := strings.Split(string(headBlock), "\r\n")
	for _, line := range lines {
		if len(line) < 5 {
			continue
		}
		if !strings.EqualFold(line[:5], "host:") {
			continue
		}
		value := strings.TrimSpace(line[5:])
		if h, p, err := net.SplitHostPort(value); err == nil {
			return h, p, true
		}
		return value, "", true
	}
	return "", "", false
}
