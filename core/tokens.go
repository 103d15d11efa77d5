package core

import (
	"os"
	"strings"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/reservoir/client"
	"github.com/tiktoken-go/tokenizer"
)

// XXX get rid of this global
var Tokenizer tokenizer.Codec

// InitTokenizer initializes the tokenizer.
func InitTokenizer() (err error) {
	Tokenizer, err = tokenizer.Get(tokenizer.Cl100kBase)
	Ck(err)
	return
}

// tokenCount returns the number of tokens in a text segment.
func tokenCount(text string) (n int, err error) {
	defer Return(&err)
	_, tokens, err := Tokenizer.Encode(text)
	Ck(err)
	n = len(tokens)
	return
}

// splitByTokens splits text into segments of at most limit tokens.
// The string forms of the tokens concatenate back to the original
// text, so joining the segments recovers the input.
func splitByTokens(text string, limit int) (segments []string, err error) {
	defer Return(&err)
	Assert(limit > 0)
	_, tokens, err := Tokenizer.Encode(text)
	Ck(err)
	if len(tokens) <= limit {
		segments = []string{text}
		return
	}
	for start := 0; start < len(tokens); start += limit {
		end := start + limit
		if end > len(tokens) {
			end = len(tokens)
		}
		segments = append(segments, strings.Join(tokens[start:end], ""))
	}
	return
}

// CountMessage returns the token cost of a single chat message,
// including the per-message framing overhead.
func CountMessage(msg *client.Message) (n int, err error) {
	defer Return(&err)
	// every message follows <|start|>{role}\n{content}<|end|>\n
	n = 4
	roleTokens, err := tokenCount(msg.Role)
	Ck(err)
	contentTokens, err := tokenCount(msg.Content)
	Ck(err)
	n += roleTokens + contentTokens
	return
}

// CountChat returns the token cost of a full message list, including
// the priming overhead for the reply.
func CountChat(messages []client.Message) (n int, err error) {
	defer Return(&err)
	for i := range messages {
		var c int
		c, err = CountMessage(&messages[i])
		Ck(err)
		n += c
	}
	// every reply is primed with <|start|>assistant<|message|>
	n += 3
	return
}

// TruncateMessages drops the oldest removable messages until the chat
// fits under limit.  System messages and the final message are never
// removed; if nothing else can go, the list is returned as-is with a
// warning.
func TruncateMessages(messages []client.Message, limit int) (out []client.Message, err error) {
	defer Return(&err)
	out = messages
	total, err := CountChat(out)
	Ck(err)
	if total <= limit {
		return
	}
	Debug("token count %d exceeds limit %d, truncating", total, limit)
	for total > limit {
		// earliest message that is neither a system message nor the
		// final message
		victim := -1
		for i := 0; i < len(out)-1; i++ {
			if out[i].Role == client.RoleSystem {
				continue
			}
			victim = i
			break
		}
		if victim < 0 {
			Fpf(os.Stderr, "warning: cannot truncate below %d tokens without dropping system or final messages (limit %d)\n", total, limit)
			break
		}
		Debug("removing message at index %d: role=%q", victim, out[victim].Role)
		out = append(out[:victim:victim], out[victim+1:]...)
		total, err = CountChat(out)
		Ck(err)
	}
	Debug("truncated token count: %d", total)
	return
}
