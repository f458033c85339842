package tokenizer

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenTokenizer adapts tiktoken for exact counts under a named
// encoding.
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktoken creates a tiktoken-based tokenizer for the given encoding
// (e.g. cl100k_base, o200k_base).
func NewTiktoken(encoding string) *TiktokenTokenizer {
	return &TiktokenTokenizer{encoding: encoding}
}

// init lazily initializes the encoding (may download data on first use).
func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// RegisterDefaults registers the common encodings plus the documented
// estimator fallback under "estimator".
func RegisterDefaults() {
	for _, encoding := range []string{"cl100k_base", "o200k_base"} {
		Register(encoding, NewTiktoken(encoding))
	}
	Register("estimator", NewEstimator())
}
