// Package tokens counts tokens in spoken turns for the transcript.
package tokens

import (
	"fmt"
	"math"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultEncoding is used when no encoding is configured.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens with a tiktoken codec. It falls back to a character
// estimate when the codec fails on a piece of text.
type Counter struct {
	codec    tokenizer.Codec
	estimate *Estimator
}

var (
	codecCacheMu sync.Mutex
	codecCache   = map[tokenizer.Encoding]tokenizer.Codec{}
)

// NewCounter returns a counter for the named encoding (e.g. "cl100k_base").
func NewCounter(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc := tokenizer.Encoding(encoding)

	codecCacheMu.Lock()
	defer codecCacheMu.Unlock()

	codec, ok := codecCache[enc]
	if !ok {
		var err error
		codec, err = tokenizer.Get(enc)
		if err != nil {
			return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
		}
		codecCache[enc] = codec
	}

	return &Counter{codec: codec, estimate: NewEstimator()}, nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return c.estimate.Count(text)
	}
	return len(ids)
}

// Estimator provides token count estimation based on character length.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// Count estimates the token count.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / e.CharsPerToken))
}
