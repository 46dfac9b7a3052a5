package rewrite

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strings"

    openai "github.com/sashabaranov/go-openai"

    "github.com/hyperifyio/gorewrite/internal/budget"
    "github.com/hyperifyio/gorewrite/internal/cache"
    "github.com/hyperifyio/gorewrite/internal/llm"
)

// Rewriter is the text rewrite capability: serialized chunk text in,
// rewritten text with the same separators out.
type Rewriter interface {
    Rewrite(ctx context.Context, text string) (string, error)
}

// RewriterFunc adapts a plain function to Rewriter.
type RewriterFunc func(ctx context.Context, text string) (string, error)

func (f RewriterFunc) Rewrite(ctx context.Context, text string) (string, error) { return f(ctx, text) }

var (
    // ErrNotConfigured is returned when no client or model is set.
    ErrNotConfigured = errors.New("rewriter not configured")
    // ErrEmptyResponse is returned when the model produced no text.
    ErrEmptyResponse = errors.New("empty rewrite response")
    // ErrCacheMiss is returned in cache-only mode when nothing is cached.
    ErrCacheMiss = errors.New("rewrite not cached")
    // ErrTooLarge is returned when a chunk cannot fit the model context.
    ErrTooLarge = errors.New("chunk exceeds model context")
)

// LLMRewriter calls an OpenAI-compatible chat model. There is no retry: a
// failed chunk keeps its original text.
type LLMRewriter struct {
    Client llm.Client
    Model  string
    // Theme is the comedic register; DefaultTheme when empty.
    Theme string
    // SystemPrompt, when non-empty, replaces the generated instruction.
    SystemPrompt    string
    MinSegmentWords int
    Temperature     float32
    // MaxTokens caps the completion; sized from the chunk when zero.
    MaxTokens       int
    Cache           *cache.ResponseCache
    // CacheOnly returns from cache and fails fast if missing.
    CacheOnly bool
}

func (r *LLMRewriter) system() string {
    if strings.TrimSpace(r.SystemPrompt) != "" {
        return r.SystemPrompt
    }
    minWords := r.MinSegmentWords
    if minWords <= 0 {
        minWords = DefaultMinSegmentWords
    }
    return buildSystemMessage(r.Theme, minWords)
}

// Rewrite sends one chunk to the model.
func (r *LLMRewriter) Rewrite(ctx context.Context, text string) (string, error) {
    if r.Client == nil || strings.TrimSpace(r.Model) == "" {
        return "", ErrNotConfigured
    }
    system := r.system()
    key := cache.KeyFrom(r.Model, system+"\n\n"+text)
    if r.Cache != nil {
        if raw, ok, _ := r.Cache.Get(ctx, key); ok {
            var out struct {
                Text string `json:"text"`
            }
            if err := json.Unmarshal(raw, &out); err == nil && strings.TrimSpace(out.Text) != "" {
                return out.Text, nil
            }
        }
    }
    if r.CacheOnly {
        return "", ErrCacheMiss
    }

    temp := r.Temperature
    if temp == 0 {
        temp = 1.0
    }
    maxTokens, fits := budget.ForRewrite(r.Model, system, text)
    if !fits {
        return "", fmt.Errorf("%w: ~%d tokens for %s", ErrTooLarge, budget.EstimateTokens(text), r.Model)
    }
    if r.MaxTokens > 0 {
        maxTokens = r.MaxTokens
    }
    resp, err := r.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
        Model: r.Model,
        Messages: []openai.ChatCompletionMessage{
            {Role: openai.ChatMessageRoleSystem, Content: system},
            {Role: openai.ChatMessageRoleUser, Content: text},
        },
        Temperature: temp,
        MaxTokens:   maxTokens,
        N:           1,
    })
    if err != nil {
        return "", fmt.Errorf("rewrite call: %w", err)
    }
    if len(resp.Choices) == 0 {
        return "", ErrEmptyResponse
    }
    // Whitespace is significant at segment edges; only reject blank output.
    out := resp.Choices[0].Message.Content
    if strings.TrimSpace(out) == "" {
        return "", ErrEmptyResponse
    }
    if r.Cache != nil {
        payload, _ := json.Marshal(map[string]string{"text": out})
        _ = r.Cache.Save(ctx, key, payload)
    }
    return out, nil
}
