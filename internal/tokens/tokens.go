// Package tokens provides deterministic BPE token accounting for the
// context budgets. All counting uses the cl100k_base encoding so that
// budgets line up with what the downstream model actually sees.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the per-message framing cost of the
// chat format (role markers and separators).
const perMessageOverhead = 4

// Counter counts and truncates text under a fixed BPE encoding.
type Counter struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultOnce sync.Once
	defaultCtr  *Counter
	defaultErr  error
)

// NewCounter builds a counter over cl100k_base.
func NewCounter() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tokens: load cl100k_base: %w", err)
	}
	return &Counter{enc: enc}, nil
}

// Default returns a process-wide counter. The encoding tables are immutable
// so sharing is safe.
func Default() (*Counter, error) {
	defaultOnce.Do(func() {
		defaultCtr, defaultErr = NewCounter()
	})
	return defaultCtr, defaultErr
}

// Count returns the number of BPE tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage returns the token cost of one chat message including framing.
func (c *Counter) CountMessage(content string) int {
	return c.Count(content) + perMessageOverhead
}

// Truncate reduces text to at most maxTokens tokens. The suffix is
// preserved so a conversation can continue naturally; when the text is over
// budget a head slice is kept, the middle is dropped, and an ellipsis marks
// the cut. The result is re-counted after decoding because re-tokenization
// of concatenated pieces is not guaranteed to be stable.
func (c *Counter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}

	const ellipsis = "\n...\n"
	ellTokens := c.Count(ellipsis)
	if maxTokens <= ellTokens+2 {
		// Budget too small for a spliced result; keep the bare suffix.
		return c.enc.Decode(ids[len(ids)-maxTokens:])
	}

	head := (maxTokens - ellTokens) / 4
	tail := maxTokens - ellTokens - head
	out := c.enc.Decode(ids[:head]) + ellipsis + c.enc.Decode(ids[len(ids)-tail:])

	// Shave the tail until the spliced text re-tokenizes under budget.
	for c.Count(out) > maxTokens && tail > 1 {
		tail--
		out = c.enc.Decode(ids[:head]) + ellipsis + c.enc.Decode(ids[len(ids)-tail:])
	}
	return out
}

// TruncateTail keeps only the last maxTokens tokens of text.
func (c *Counter) TruncateTail(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text
	}
	return c.enc.Decode(ids[len(ids)-maxTokens:])
}
