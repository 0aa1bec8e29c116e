package models

import (
	"strings"
	"sync"

	"github.com/go-go-golems/turnloop/pkg/messages"
	"github.com/go-go-golems/turnloop/pkg/usage"
	"github.com/rs/zerolog/log"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

func getCodec() tokenizer.Codec {
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warn().Err(err).Msg("could not load cl100k_base, falling back to word counts")
			return
		}
		codec = c
	})
	return codec
}

// CountTokens estimates the number of tokens in text with cl100k_base, or counts
// whitespace-separated words when the codec is unavailable.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c := getCodec(); c != nil {
		ids, _, err := c.Encode(text)
		if err == nil {
			return len(ids)
		}
	}
	return len(strings.Fields(text))
}

func requestPartText(p messages.RequestPart) string {
	switch p := p.(type) {
	case messages.SystemPromptPart:
		return p.Content
	case messages.UserPromptPart:
		return p.Content
	case messages.ToolReturnPart:
		return p.ModelResponseStr()
	case messages.RetryPromptPart:
		return p.ModelResponse()
	default:
		return ""
	}
}

func responsePartText(p messages.ResponsePart) string {
	switch p := p.(type) {
	case messages.TextPart:
		return p.Content
	case messages.ToolCallPart:
		return p.ToolName + " " + p.ArgsAsJSON()
	default:
		return ""
	}
}

func responseTokens(resp *messages.ModelResponse) int {
	n := 0
	for _, p := range resp.Parts {
		n += CountTokens(responsePartText(p))
	}
	return n
}

// EstimateUsage approximates usage for a request/response pair. The returned usage has
// Requests set to 0; the caller counts requests.
func EstimateUsage(msgs []messages.Message, resp *messages.ModelResponse) usage.Usage {
	requestTokens := 0
	for _, m := range msgs {
		switch m := m.(type) {
		case *messages.ModelRequest:
			for _, p := range m.Parts {
				requestTokens += CountTokens(requestPartText(p))
			}
		case *messages.ModelResponse:
			requestTokens += responseTokens(m)
		}
	}
	out := usage.Usage{RequestTokens: requestTokens}
	if resp != nil {
		out.ResponseTokens = responseTokens(resp)
	}
	out.TotalTokens = out.RequestTokens + out.ResponseTokens
	return out
}
