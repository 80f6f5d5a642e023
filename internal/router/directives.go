package router

import (
	"strconv"
	"strings"
	"time"
)

// maxDirectiveScan limits how far into a message we scan for directives.
const maxDirectiveScan = 2048

const (
	directivePrefix = "@@route"
	directiveEnd    = "@@end"
)

// Directives are per-request routing overrides embedded in a user message.
//
// Single-line format: @@route key=value key=value ...
// Block format:
//
//	@@route
//	key=value
//	@@end
//
// Supported keys: model, exclude, provider, tag, priority, attempts, timeout.
// exclude and tag take comma-separated lists. timeout accepts a Go duration
// or plain milliseconds.
type Directives struct {
	PreferredModel string
	Exclude        []string
	Provider       string
	Tags           []string
	Priority       int
	MaxAttempts    int
	Timeout        time.Duration
}

// directiveSpan locates a directive in content. It returns the start of the
// marker (-1 when absent), the end of the directive text (exclusive, including
// one trailing newline) and the key=value body. ok is false when there is no
// directive or a block directive is missing its terminator.
func directiveSpan(content string) (start, end int, body string, ok bool) {
	start = strings.Index(content, directivePrefix)
	if start < 0 {
		return -1, 0, "", false
	}
	rest := content[start+len(directivePrefix):]
	nl := strings.IndexByte(rest, '\n')
	firstLine := rest
	if nl >= 0 {
		firstLine = rest[:nl]
	}

	if strings.TrimSpace(firstLine) == "" && nl >= 0 {
		block := rest[nl+1:]
		endIdx := strings.Index(block, directiveEnd)
		if endIdx < 0 {
			return start, 0, "", false
		}
		end = start + len(directivePrefix) + nl + 1 + endIdx + len(directiveEnd)
		if end < len(content) && content[end] == '\n' {
			end++
		}
		return start, end, block[:endIdx], true
	}

	end = len(content)
	if nl >= 0 {
		end = start + len(directivePrefix) + nl + 1
	}
	return start, end, firstLine, true
}

// ParseDirectives returns the overrides of the first user message carrying a
// directive, or nil. Unknown keys and malformed values are ignored.
func ParseDirectives(messages []Message) *Directives {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		content := m.Content
		if len(content) > maxDirectiveScan {
			content = content[:maxDirectiveScan]
		}
		_, _, body, ok := directiveSpan(content)
		if !ok || strings.TrimSpace(body) == "" {
			continue
		}
		d := &Directives{}
		for _, tok := range strings.Fields(body) {
			d.apply(tok)
		}
		return d
	}
	return nil
}

func (d *Directives) apply(token string) {
	key, val, ok := strings.Cut(token, "=")
	if !ok || val == "" {
		return
	}
	switch key {
	case "model":
		d.PreferredModel = val
	case "exclude":
		d.Exclude = append(d.Exclude, splitList(val)...)
	case "provider":
		d.Provider = val
	case "tag":
		d.Tags = append(d.Tags, splitList(val)...)
	case "priority":
		if i, err := strconv.Atoi(val); err == nil && i >= 0 && i <= 255 {
			d.Priority = i
		}
	case "attempts":
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			d.MaxAttempts = i
		}
	case "timeout":
		if dur, err := time.ParseDuration(val); err == nil && dur > 0 {
			d.Timeout = dur
		} else if ms, err := strconv.Atoi(val); err == nil && ms > 0 {
			d.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Apply layers the overrides onto req.
func (d *Directives) Apply(req RoutingRequest) RoutingRequest {
	if d == nil {
		return req
	}
	if d.PreferredModel != "" {
		req = req.WithPreferredModel(d.PreferredModel)
	}
	for _, id := range d.Exclude {
		req = req.WithExcludedModel(id)
	}
	if d.Provider != "" {
		f := ModelFilter{}
		if req.Filter != nil {
			f = *req.Filter
		}
		provider := d.Provider
		f.Provider = &provider
		req = req.WithFilter(f)
	}
	rc := req.Context
	for _, t := range d.Tags {
		rc = rc.WithTag(t)
	}
	if d.Priority > 0 {
		rc = rc.WithPriority(uint8(d.Priority))
	}
	req = req.WithContext(rc)
	if d.MaxAttempts > 0 {
		req = req.WithMaxAttempts(d.MaxAttempts)
	}
	if d.Timeout > 0 {
		req = req.WithTimeout(d.Timeout)
	}
	return req
}

// StripDirectives returns messages with directives removed so they are not
// forwarded to providers.
func StripDirectives(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m
		start, end, _, ok := directiveSpan(m.Content)
		if start < 0 {
			continue
		}
		if !ok {
			// Unterminated block: drop just the marker line.
			if nl := strings.IndexByte(m.Content[start:], '\n'); nl >= 0 {
				end = start + nl + 1
			} else {
				end = len(m.Content)
			}
		}
		if end == len(m.Content) {
			out[i].Content = strings.TrimSpace(m.Content[:start])
		} else {
			out[i].Content = m.Content[:start] + m.Content[end:]
		}
	}
	return out
}
