// Package shaping writes bytes to an upstream connection in size-bounded,
// delay-jittered chunks, and applies the socket options (TCP_NODELAY,
// TTL/hop-limit) that make fragmentation observable on the wire.
package shaping

import (
	"crypto/rand"
	"io"
	"log"
	"math/big"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Profile is the traffic-shaping configuration (spec.md §3). All
// zero-valued knobs are disabled.
type Profile struct {
	FragmentSize uint32
	MinDelayMs   uint32
	MaxDelayMs   uint32
	PaddingSize  uint32
	TTL          uint8
}

// ApplySocketOptions sets TCP_NODELAY unconditionally on conn, and the IP
// TTL / IPv6 hop limit when profile.TTL > 0. Socket-option failures are
// logged as warnings and never fail the connection.
func ApplySocketOptions(conn net.Conn, profile Profile) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			log.Printf("[SHAPING] Warning: could not set TCP_NODELAY: %v", err)
		}
	}

	if profile.TTL == 0 {
		return
	}

	if isIPv6(conn) {
		if err := ipv6.NewConn(conn).SetHopLimit(int(profile.TTL)); err != nil {
			log.Printf("[SHAPING] Warning: could not set IPv6 hop limit: %v", err)
		}
		return
	}
	if err := ipv4.NewConn(conn).SetTTL(int(profile.TTL)); err != nil {
		log.Printf("[SHAPING] Warning: could not set IPv4 TTL: %v", err)
	}
}

func isIPv6(conn net.Conn) bool {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return addr.IP.To4() == nil
}

// Send writes data to w in profile.FragmentSize chunks, flushing (if w
// supports it) between writes and sleeping a jittered delay when
// max_delay_ms > 0. If fragment_size is 0 or data is already short enough,
// it writes once.
func Send(w io.Writer, data []byte, profile Profile) error {
	if profile.FragmentSize == 0 || uint32(len(data)) <= profile.FragmentSize {
		return writeAndFlush(w, data)
	}

	for offset := 0; offset < len(data); offset += int(profile.FragmentSize) {
		end := offset + int(profile.FragmentSize)
		if end > len(data) {
			end = len(data)
		}
		if err := writeAndFlush(w, data[offset:end]); err != nil {
			return err
		}
		if end < len(data) {
			jitter(profile)
		}
	}
	return nil
}

// flusher is satisfied by connections that buffer writes (e.g. bufio.Writer).
type flusher interface {
	Flush() error
}

func writeAndFlush(w io.Writer, chunk []byte) error {
	if _, err := w.Write(chunk); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// jitter sleeps for a uniform random duration in [min_delay_ms, max_delay_ms]
// when max_delay_ms > 0; it is a no-op otherwise.
func jitter(profile Profile) {
	if profile.MaxDelayMs == 0 {
		return
	}
	lo, hi := profile.MinDelayMs, profile.MaxDelayMs
	if lo > hi {
		lo = hi
	}
	span := int64(hi-lo) + 1
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	delayMs := int64(lo)
	if err == nil {
		delayMs += n.Int64()
	}
	time.Sleep(time.Duration(delayMs) * time.Millisecond)
}

// Pad returns n uniform-random bytes, for appending to the very end of an
// outbound buffer per the header-rewrite padding step.
func Pad(n uint32) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
