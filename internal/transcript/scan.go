// Package transcript reads the tail of a Claude Code JSONL transcript to
// recover the current context size and the most recent message texts.
package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/theirongolddev/burnline/internal/model"
)

const (
	DefaultMaxBytes     = 8 << 20
	DefaultScanMessages = 10
)

// DefaultManualPhrases mark a user-requested compaction.
var DefaultManualPhrases = []string{
	"<command-name>/compact</command-name>",
	"/compact",
}

// Options bounds a scan.
type Options struct {
	// MaxBytes is read from the end of the file.
	MaxBytes int64
	// Messages is how many trailing message texts to keep.
	Messages int
}

// Trace is what a scan recovers.
type Trace struct {
	Model string
	// CurrentTokens is the context size at the last assistant call.
	CurrentTokens int64
	// PeakTokens is the largest context size within the scanned window.
	PeakTokens int64
	// Tokens sums the usage of distinct messages within the window.
	Tokens model.TokenBreakdown
	// Messages holds the last N user/assistant texts, oldest first.
	Messages    []string
	ParseErrors int
	Truncated   bool
}

// Scan reads at most opts.MaxBytes from the end of path. Malformed lines are
// counted, not fatal. An unreadable file is ErrLearningParse.
func Scan(path string, opts Options) (Trace, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Messages <= 0 {
		opts.Messages = DefaultScanMessages
	}

	f, err := os.Open(path)
	if err != nil {
		return Trace{}, fmt.Errorf("%w: %w", model.ErrLearningParse, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Trace{}, fmt.Errorf("%w: %w", model.ErrLearningParse, err)
	}

	var tr Trace
	r := bufio.NewReaderSize(f, 256*1024)
	if size := info.Size(); size > opts.MaxBytes {
		if _, err := f.Seek(size-opts.MaxBytes, io.SeekStart); err != nil {
			return Trace{}, fmt.Errorf("%w: %w", model.ErrLearningParse, err)
		}
		r.Reset(f)
		// Drop the partial first line.
		if _, err := r.ReadBytes('\n'); err != nil && !errors.Is(err, io.EOF) {
			return Trace{}, fmt.Errorf("%w: %w", model.ErrLearningParse, err)
		}
		tr.Truncated = true
	}

	usage := make(map[string]*rawUsage)
	var order []string

	for {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			tr.consume(line, opts.Messages, usage, &order)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return tr, fmt.Errorf("%w: %w", model.ErrLearningParse, readErr)
		}
	}

	for _, id := range order {
		u := usage[id]
		tr.Tokens.InputTokens += u.InputTokens
		tr.Tokens.OutputTokens += u.OutputTokens
		tr.Tokens.CacheReadTokens += u.CacheReadInputTokens
		tr.Tokens.CacheCreationTokens += u.cacheWrite()
	}
	return tr, nil
}

func (tr *Trace) consume(line []byte, keep int, usage map[string]*rawUsage, order *[]string) {
	switch extractTopLevelType(line) {
	case "user", "assistant":
	default:
		return
	}

	var entry rawEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		tr.ParseErrors++
		return
	}
	msg := entry.Message
	if msg == nil {
		return
	}

	if text := messageText(msg.Content); text != "" {
		tr.Messages = append(tr.Messages, text)
		if len(tr.Messages) > keep {
			tr.Messages = tr.Messages[len(tr.Messages)-keep:]
		}
	}

	if entry.Type != "assistant" || msg.Usage == nil {
		return
	}
	if msg.Model != "" && msg.Model != "<synthetic>" {
		tr.Model = msg.Model
	}
	ctx := msg.Usage.contextTokens()
	if ctx > 0 {
		tr.CurrentTokens = ctx
		tr.PeakTokens = max(tr.PeakTokens, ctx)
	}

	// Streaming writes several entries per message id; the last one is final.
	id := msg.ID
	if id == "" {
		id = fmt.Sprintf("anon-%d", len(*order))
	}
	if _, seen := usage[id]; !seen {
		*order = append(*order, id)
	}
	usage[id] = msg.Usage
}

// messageText flattens a string body or the text segments of an array body.
func messageText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	case '[':
		var segs []rawSegment
		if err := json.Unmarshal(raw, &segs); err != nil {
			return ""
		}
		var parts []string
		for _, seg := range segs {
			if seg.Text != "" {
				parts = append(parts, seg.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// ContainsManualCompaction reports whether any text contains one of the
// phrases as a whole token, ignoring case. "/compact" matches "please
// /compact" but not "/compaction" or "src/compactor". Nil phrases use
// DefaultManualPhrases.
func ContainsManualCompaction(texts, phrases []string) bool {
	if len(phrases) == 0 {
		phrases = DefaultManualPhrases
	}
	for _, t := range texts {
		lower := strings.ToLower(t)
		for _, p := range phrases {
			if p != "" && containsToken(lower, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

func containsToken(s, phrase string) bool {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return false
		}
		start, end := from+i, from+i+len(phrase)
		before := start == 0 || !isTokenByte(s[start-1])
		after := end == len(s) || !isTokenByte(s[end]) ||
			(s[end] == '.' && (end+1 == len(s) || !isAlnum(s[end+1])))
		if before && after {
			return true
		}
		from = start + 1
	}
	return false
}

func isTokenByte(c byte) bool {
	return isAlnum(c) || c == '_' || c == '-' || c == '/' || c == '.'
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// typeKey is the byte sequence for a JSON key named "type" (with quotes).
var typeKey = []byte(`"type"`)

// extractTopLevelType finds the top-level "type" field in a JSONL line.
// Tracks brace depth and string boundaries so nested "type" keys are ignored.
func extractTopLevelType(line []byte) string {
	depth := 0
	for i := 0; i < len(line); {
		switch line[i] {
		case '"':
			if depth == 1 && bytes.HasPrefix(line[i:], typeKey) {
				if val, isKey := classifyType(line, i+len(typeKey)); isKey {
					return val
				}
			}
			i = skipJSONString(line, i)
		case '{':
			depth++
			i++
		case '}':
			depth--
			i++
		default:
			i++
		}
	}
	return ""
}

// classifyType checks whether pos follows a JSON key (expects : then value).
// isKey=false means "type" appeared as a value, not a key.
func classifyType(line []byte, pos int) (val string, isKey bool) {
	i := skipSpaces(line, pos)
	if i >= len(line) || line[i] != ':' {
		return "", false
	}
	i = skipSpaces(line, i+1)
	if i >= len(line) || line[i] != '"' {
		return "", true
	}
	i++

	end := bytes.IndexByte(line[i:], '"')
	if end < 0 || end > 20 {
		return "", true
	}
	v := string(line[i : i+end])
	switch v {
	case "assistant", "user", "system":
		return v, true
	}
	return "", true
}

// skipJSONString advances past a JSON string starting at the opening quote.
//
//nolint:gosec // manual bounds checking throughout
func skipJSONString(line []byte, i int) int {
	i++
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
		case '"':
			return i + 1
		default:
			i++
		}
	}
	return i
}

func skipSpaces(line []byte, i int) int {
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return i
}
