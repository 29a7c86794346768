// Package mock implements the short-circuit response engine: an ordered set
// of regex rules loaded once at startup, matched against request targets to
// synthesize canned HTTP/1.1 responses without contacting any upstream.
package mock

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
)

// Rule is one loaded mock rule: a compiled pattern and the response to
// synthesize on a match.
type Rule struct {
	re       *regexp.Regexp
	Pattern  string
	Response Response
}

// Response is the canned HTTP response a matching rule produces.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// ruleSpec mirrors one entry of the mock rules JSON file.
type ruleSpec struct {
	Pattern  string   `json:"pattern"`
	Response Response `json:"response"`
}

// Engine holds an immutable, ordered ruleset. It is safe to share across
// goroutines without synchronization once constructed.
type Engine struct {
	rules []Rule
}

// Load reads and compiles the mock rules file at path. A missing path is not
// an error — it demotes the engine to an empty ruleset. A malformed file
// demotes the engine to an empty ruleset too, logging one warning, matching
// the "MockLoadFailed never aborts startup" contract.
func Load(path string) *Engine {
	if path == "" {
		return &Engine{}
	}

	data, err := os.ReadFile(path) //nolint:gosec // controlled config path
	if err != nil {
		log.Printf("[MOCK] Warning: could not read rules file %s: %v", path, err)
		return &Engine{}
	}

	var specs []ruleSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		log.Printf("[MOCK] Warning: could not parse rules file %s: %v", path, err)
		return &Engine{}
	}

	engine := &Engine{}
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			log.Printf("[MOCK] Warning: could not compile pattern %q: %v", s.Pattern, err)
			continue
		}
		engine.rules = append(engine.rules, Rule{re: re, Pattern: s.Pattern, Response: s.Response})
	}
	log.Printf("[MOCK] Loaded %d rule(s) from %s", len(engine.rules), path)
	return engine
}

// Match scans rules in load order and returns the response of the first
// whose pattern searches (not anchor-matches) the target URL. A nil result
// means no rule hit; the caller should proceed with the request normally.
func (e *Engine) Match(target string) *Response {
	for i := range e.rules {
		if e.rules[i].re.MatchString(target) {
			resp := e.rules[i].Response
			return &resp
		}
	}
	return nil
}

// Render formats resp as raw HTTP/1.1 response bytes. The reason phrase is
// always the literal "OK" regardless of status code — a known quirk, not a
// bug implementations are required to fix (see design notes).
func Render(resp Response) []byte {
	var body []byte
	headers := make(map[string]string, len(resp.Headers)+1)
	for k, v := range resp.Headers {
		headers[k] = v
	}

	if len(resp.Body) > 0 {
		var asString string
		if json.Unmarshal(resp.Body, &asString) == nil {
			body = []byte(asString)
		} else {
			body = resp.Body
			if _, ok := headers["Content-Type"]; !ok {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d OK\r\n", resp.Status)
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}
