package transcript

import "encoding/json"

// rawEntry is one line of a Claude Code JSONL transcript.
type rawEntry struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
	Message   *rawMessage `json:"message,omitempty"`
}

// rawMessage is the message envelope of user and assistant entries.
// Content is either a string or an array of segments.
type rawMessage struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *rawUsage       `json:"usage,omitempty"`
}

type rawSegment struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// rawUsage holds token counts from the API response.
type rawUsage struct {
	InputTokens              int64          `json:"input_tokens"`
	OutputTokens             int64          `json:"output_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens"`
	CacheCreation            *cacheCreation `json:"cache_creation,omitempty"`
}

// cacheCreation holds the breakdown of cache write tokens by TTL bucket.
type cacheCreation struct {
	Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
}

func (u *rawUsage) cacheWrite() int64 {
	if u.CacheCreation != nil {
		if n := u.CacheCreation.Ephemeral5mInputTokens + u.CacheCreation.Ephemeral1hInputTokens; n > 0 {
			return n
		}
	}
	return u.CacheCreationInputTokens
}

// contextTokens is what occupied the context window for this call.
func (u *rawUsage) contextTokens() int64 {
	return u.InputTokens + u.CacheReadInputTokens + u.cacheWrite()
}
