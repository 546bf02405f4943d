package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/goccy/go-json"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// KeyGenerator derives a deterministic 64-hex-character fingerprint from
// (messages, model, provider, generation parameters) under a normalization
// policy. It is pure and side-effect-free.
type KeyGenerator struct {
	normalization KeyNormalization
	caseFolder    cases.Caser
}

// NewKeyGenerator builds a KeyGenerator for the given normalization policy.
func NewKeyGenerator(normalization KeyNormalization) *KeyGenerator {
	return &KeyGenerator{
		normalization: normalization,
		caseFolder:    cases.Lower(language.Und),
	}
}

// keyPattern validates the 64-hex-character charset of generated keys.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Valid reports whether s matches the 64-hex-character key charset.
func Valid(s string) bool {
	return keyPattern.MatchString(s)
}

// Generate computes the final cache key for a request.
func (g *KeyGenerator) Generate(messages []Message, model, provider string, params *GenerationParams) (string, error) {
	promptHash := g.PromptHash(messages)

	canonicalParams, err := g.canonicalParams(params)
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize parameters: %w", err)
	}
	paramsHash := sha256Hex(canonicalParams)

	modelNorm := strings.ToLower(strings.TrimSpace(model))

	combined := strings.Join([]string{promptHash, modelNorm, provider, paramsHash}, "|")
	return sha256Hex([]byte(combined)), nil
}

// PromptHash normalizes and hashes the flattened prompt text alone,
// independent of model/provider/parameters. The manager uses this for the
// informational Entry.PromptHash field.
func (g *KeyGenerator) PromptHash(messages []Message) string {
	flattened := flattenMessages(messages)
	normalized := g.normalizePrompt(flattened)
	return sha256Hex([]byte(normalized))
}

// flattenMessages joins "<role>:<content>" segments with newlines, in
// order.
func flattenMessages(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteByte(':')
		b.WriteString(m.FlattenText())
	}
	return b.String()
}

// normalizePrompt applies whitespace collapsing, case folding, and
// punctuation stripping per the configured policy, in that order.
func (g *KeyGenerator) normalizePrompt(text string) string {
	// Unicode width folding (fullwidth/halfwidth forms) happens regardless
	// of policy: it is a representation-equivalence fix, not a semantic
	// normalization choice.
	text = width.Fold.String(text)

	if g.normalization.NormalizeWhitespace {
		text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	}
	if !g.normalization.CaseSensitive {
		text = g.caseFolder.String(text)
	}
	if g.normalization.IgnorePunctuation {
		text = stripPunctuation(text)
	}
	return text
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// canonicalParamSet is the on-wire shape of the cache-sensitive parameter
// subset extracted from GenerationParams. Absent fields are omitted, not
// defaulted.
type canonicalParamSet struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	TopK             *int            `json:"top_k,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Stop             *StopSequence   `json:"stop,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

// extractCacheSensitiveParams applies the canonicalization rules:
// temperature/top_p/frequency_penalty/presence_penalty round to two
// decimals; top_k/max_tokens stay integral; stop and response_format are
// preserved structurally. Everything else (user identifiers, streaming
// timeouts, ...) is ignored.
func extractCacheSensitiveParams(p *GenerationParams) canonicalParamSet {
	var out canonicalParamSet
	if p == nil {
		return out
	}
	if p.Temperature != nil {
		v := round2(*p.Temperature)
		out.Temperature = &v
	}
	if p.TopP != nil {
		v := round2(*p.TopP)
		out.TopP = &v
	}
	if p.FrequencyPenalty != nil {
		v := round2(*p.FrequencyPenalty)
		out.FrequencyPenalty = &v
	}
	if p.PresencePenalty != nil {
		v := round2(*p.PresencePenalty)
		out.PresencePenalty = &v
	}
	if p.TopK != nil {
		v := *p.TopK
		out.TopK = &v
	}
	if p.MaxTokens != nil {
		v := *p.MaxTokens
		out.MaxTokens = &v
	}
	out.Stop = p.Stop
	out.ResponseFormat = p.ResponseFormat
	return out
}

// canonicalParams serializes the cache-sensitive parameter subset to its
// canonical textual form, sorting object keys recursively (arrays preserve
// order) when configured to do so.
func (g *KeyGenerator) canonicalParams(p *GenerationParams) ([]byte, error) {
	extracted := extractCacheSensitiveParams(p)

	if g.normalization.SortJSONKeys && len(extracted.ResponseFormat) > 0 {
		sorted, err := canonicalizeJSON(extracted.ResponseFormat)
		if err != nil {
			return nil, err
		}
		extracted.ResponseFormat = sorted
	}

	return json.Marshal(extracted)
}

// canonicalizeJSON recursively sorts object keys of an arbitrary JSON
// document while preserving array order, then re-serializes it. go-json
// (like encoding/json) always emits map keys in sorted order, so decoding
// into a generic value and re-encoding is sufficient.
func canonicalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not structured JSON (or malformed) - leave as-is rather than fail
		// key generation; malformed input degrades to a stable hash of the
		// raw bytes instead of an error.
		return raw, nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw, nil
	}
	return out, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
