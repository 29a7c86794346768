package proxy

import "errors"

// Error kinds for per-connection failures (spec.md §7). None of these ever
// terminate the listener: the handler logs and closes the offending
// connection only. MockLoadFailed and IoError are not sentinels here —
// the former is handled entirely inside internal/mock.Load at startup, and
// the latter covers ordinary read/write errors already reported through Go's
// standard error values.
var (
	ErrClientProtocol  = errors.New("client protocol error")
	ErrTLSHandshake    = errors.New("tls handshake failed")
	ErrUpstreamConnect = errors.New("upstream connect failed")
	ErrResolution      = errors.New("name resolution failed")
	ErrCertMint        = errors.New("certificate mint failed")
)
