// Package rewrite implements the request-head mutator: it injects and
// replaces headers on a raw HTTP/1.x request chunk before it is shaped and
// sent upstream. It never fails — any parse anomaly returns the input
// unchanged.
package rewrite

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"strings"
)

// Profile is the request rewrite configuration (spec.md §3).
type Profile struct {
	CustomHeaders map[string]string
	RotateUA      bool
	FrontDomain   string // empty = disabled
}

// userAgentPool is the fixed pool RotateUA picks from, uniformly at random.
var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15 Edg/124.0.0.0",
}

const crlf = "\r\n"

// Modify mutates the request head in headBytes per profile, returning the
// rewritten buffer. paddingSize is the Shaping Profile's padding_size knob
// (spec.md §3 groups it with shaping, but step 7 of the rewrite algorithm
// applies it here, at the very end of the rewritten buffer). On any parse
// anomaly it returns headBytes unchanged.
func Modify(headBytes []byte, profile Profile, paddingSize uint32) []byte {
	text := string(headBytes)
	lines := strings.Split(text, crlf)
	if len(lines) == 0 {
		return headBytes
	}

	headerEnd := -1
	for i, line := range lines {
		if line == "" {
			headerEnd = i
			break
		}
	}

	var headerLines []string
	var trailing []string // the blank line plus whatever followed it (body)
	if headerEnd == -1 {
		headerLines = lines
	} else {
		headerLines = lines[:headerEnd]
		trailing = lines[headerEnd:]
	}
	if len(headerLines) == 0 {
		return headBytes
	}

	requestLine := headerLines[0]
	rest := headerLines[1:]

	rewritten := make([]string, 0, len(rest)+len(profile.CustomHeaders)+1)
	sawUA := false
	for _, line := range rest {
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "user-agent:") && profile.RotateUA:
			sawUA = true
			rewritten = append(rewritten, "User-Agent: "+randomUserAgent())
		case strings.HasPrefix(lower, "host:") && profile.FrontDomain != "":
			rewritten = append(rewritten, "Host: "+profile.FrontDomain)
		default:
			rewritten = append(rewritten, line)
		}
	}

	if profile.RotateUA && !sawUA {
		rewritten = append(rewritten, "User-Agent: "+randomUserAgent())
	}

	for k, v := range profile.CustomHeaders {
		rewritten = append(rewritten, k+": "+v)
	}

	out := append([]string{requestLine}, rewritten...)
	out = append(out, trailing...)

	var buf bytes.Buffer
	buf.WriteString(strings.Join(out, crlf))

	if paddingSize > 0 {
		buf.Write(randomPadding(paddingSize))
	}

	return buf.Bytes()
}

func randomUserAgent() string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(userAgentPool))))
	if err != nil {
		return userAgentPool[0]
	}
	return userAgentPool[n.Int64()]
}

func randomPadding(n uint32) []byte {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
