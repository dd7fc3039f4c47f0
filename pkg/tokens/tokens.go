// Package tokens counts prompt tokens for context budgeting.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tk     *tiktoken.Tiktoken
	tkErr  error
	tkOnce sync.Once
)

func getTokenizer() (*tiktoken.Tiktoken, error) {
	tkOnce.Do(func() {
		tk, tkErr = tiktoken.GetEncoding("cl100k_base")
	})
	return tk, tkErr
}

// Count returns the token count of text. When the encoder is unavailable
// (offline start without a cached BPE file) it falls back to a conservative
// rune-based estimate so budgeting still works.
func Count(text string) int {
	if text == "" {
		return 0
	}
	enc, err := getTokenizer()
	if err != nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// estimate approximates ~2.5 runes per token, biased high for short strings
// so a fallback count never under-reports budget pressure.
func estimate(text string) int {
	runes := len([]rune(text))
	if runes == 0 {
		return 0
	}
	t := runes * 2 / 5
	if t < 1 {
		t = 1
	}
	return t
}
