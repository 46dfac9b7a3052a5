package budget

import (
    "math"
    "strings"
)

// MinOutputTokens is the smallest completion budget requested for a chunk.
const MinOutputTokens = 256

// EstimateTokensFromChars converts a character count into an estimated token
// count using a conservative heuristic (~4 chars per token in English). The
// result is always at least 1 when chars > 0.
func EstimateTokensFromChars(charCount int) int {
    if charCount <= 0 {
        return 0
    }
    return int(math.Ceil(float64(charCount) / 4.0))
}

// EstimateTokens returns the estimated token count of a string.
func EstimateTokens(s string) int {
    return EstimateTokensFromChars(len(s))
}

// ModelContextTokens returns an estimated maximum context window for a given
// model name. Unknown models fall back to a sensible default.
func ModelContextTokens(modelName string) int {
    name := strings.ToLower(strings.TrimSpace(modelName))
    if name == "" {
        return 8192
    }
    if v, ok := knownModelMax[name]; ok {
        return v
    }
    // Heuristics based on common suffixes present in model names
    for _, s := range suffixes {
        if strings.HasSuffix(name, s.suffix) {
            return s.tokens
        }
    }
    if strings.Contains(name, "-mini") {
        // Many "mini" models expose large contexts nowadays, assume 128k.
        return 128_000
    }
    return 8192
}

// HeadroomTokens returns a safety margin for tokenizer and message framing
// overheads: the larger of 5% of the model context or 512 tokens.
func HeadroomTokens(modelName string) int {
    max := ModelContextTokens(modelName)
    dyn := int(math.Ceil(float64(max) * 0.05))
    if dyn < 512 {
        return 512
    }
    return dyn
}

// OutputTokens is the completion budget for rewriting text. The reply has the
// same segments as the input, so half again the input plus a small floor
// covers themed wording that runs longer than the original.
func OutputTokens(text string) int {
    n := int(math.Ceil(float64(EstimateTokens(text)) * 1.5))
    if n < MinOutputTokens {
        return MinOutputTokens
    }
    return n
}

// ForRewrite sizes one rewrite call. It returns the completion budget and
// whether system prompt, chunk text and that budget fit the model context.
func ForRewrite(modelName, system, text string) (maxTokens int, fits bool) {
    maxTokens = OutputTokens(text)
    need := EstimateTokens(system) + EstimateTokens(text) + maxTokens + HeadroomTokens(modelName)
    return maxTokens, need <= ModelContextTokens(modelName)
}

// knownModelMax contains rough context sizes for common model identifiers.
// These are best-effort and do not need to be exhaustive.
var knownModelMax = map[string]int{
    "gpt-4o":             128_000,
    "gpt-4o-mini":        128_000,
    "gpt-4-turbo":        128_000,
    "gpt-4.1":            1_000_000,
    "gpt-3.5-turbo":      16_384,
    "llama-3":            8_192,
    "llama-3.1":          128_000,
    "mistral-7b":         32_768,
    "openai/gpt-oss-20b": 4_096,
    "gpt-oss-20b":        4_096,
}

var suffixes = []struct {
    suffix string
    tokens int
}{
    {"1m", 1_000_000},
    {"512k", 512_000},
    {"200k", 200_000},
    {"128k", 128_000},
    {"32k", 32_768},
}
