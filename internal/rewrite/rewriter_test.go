package rewrite

import (
    "context"
    "errors"
    "strings"
    "testing"

    openai "github.com/sashabaranov/go-openai"

    "github.com/hyperifyio/gorewrite/internal/budget"
    "github.com/hyperifyio/gorewrite/internal/cache"
    "github.com/hyperifyio/gorewrite/internal/extract"
)

type capturingClient struct {
    calls   int
    lastReq openai.ChatCompletionRequest
    reply   string
    err     error
}

func (c *capturingClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
    c.calls++
    c.lastReq = req
    if c.err != nil {
        return openai.ChatCompletionResponse{}, c.err
    }
    return openai.ChatCompletionResponse{
        Choices: []openai.ChatCompletionChoice{{
            Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: c.reply},
        }},
    }, nil
}

func TestLLMRewriter_BuildsRequest(t *testing.T) {
    cc := &capturingClient{reply: " A \n---SPLIT---\n B "}
    r := &LLMRewriter{Client: cc, Model: "test-model", Theme: "a pirate ballad"}
    in := " a \n---SPLIT---\n b "
    out, err := r.Rewrite(context.Background(), in)
    if err != nil {
        t.Fatalf("rewrite: %v", err)
    }
    if out != cc.reply {
        t.Fatalf("response whitespace must be kept verbatim, got %q", out)
    }
    if len(cc.lastReq.Messages) != 2 {
        t.Fatalf("expected system and user messages")
    }
    sys := cc.lastReq.Messages[0].Content
    for _, want := range []string{"a pirate ballad", extract.Separator, "personal names", "fewer than 3 words"} {
        if !strings.Contains(sys, want) {
            t.Fatalf("system prompt missing %q:\n%s", want, sys)
        }
    }
    if cc.lastReq.Messages[1].Content != in {
        t.Fatalf("user message should be the serialized chunk")
    }
    if cc.lastReq.Temperature != 1.0 || cc.lastReq.MaxTokens != budget.MinOutputTokens {
        t.Fatalf("unexpected sampling params: %v %d", cc.lastReq.Temperature, cc.lastReq.MaxTokens)
    }
}

func TestLLMRewriter_SystemPromptOverride(t *testing.T) {
    cc := &capturingClient{reply: "x"}
    r := &LLMRewriter{Client: cc, Model: "m", SystemPrompt: "custom"}
    if _, err := r.Rewrite(context.Background(), "x"); err != nil {
        t.Fatal(err)
    }
    if cc.lastReq.Messages[0].Content != "custom" {
        t.Fatalf("override not applied")
    }
}

func TestLLMRewriter_CachesResponses(t *testing.T) {
    cc := &capturingClient{reply: "rewritten"}
    c := &cache.ResponseCache{Dir: t.TempDir()}
    r := &LLMRewriter{Client: cc, Model: "m", Cache: c}
    for i := 0; i < 2; i++ {
        out, err := r.Rewrite(context.Background(), "original")
        if err != nil || out != "rewritten" {
            t.Fatalf("call %d: %q %v", i, out, err)
        }
    }
    if cc.calls != 1 {
        t.Fatalf("expected one model call, got %d", cc.calls)
    }
    r.CacheOnly = true
    if _, err := r.Rewrite(context.Background(), "never seen"); !errors.Is(err, ErrCacheMiss) {
        t.Fatalf("err = %v", err)
    }
}

func TestLLMRewriter_Errors(t *testing.T) {
    if _, err := (&LLMRewriter{}).Rewrite(context.Background(), "x"); !errors.Is(err, ErrNotConfigured) {
        t.Fatalf("err = %v", err)
    }
    blank := &LLMRewriter{Client: &capturingClient{reply: "   "}, Model: "m"}
    if _, err := blank.Rewrite(context.Background(), "x"); !errors.Is(err, ErrEmptyResponse) {
        t.Fatalf("err = %v", err)
    }
    boom := errors.New("network down")
    failing := &LLMRewriter{Client: &capturingClient{err: boom}, Model: "m"}
    if _, err := failing.Rewrite(context.Background(), "x"); !errors.Is(err, boom) {
        t.Fatalf("err = %v", err)
    }
}

func TestLLMRewriter_RejectsChunkBeyondContext(t *testing.T) {
    cc := &capturingClient{reply: "x"}
    r := &LLMRewriter{Client: cc, Model: "gpt-oss-20b"}
    _, err := r.Rewrite(context.Background(), strings.Repeat("many words here ", 2000))
    if !errors.Is(err, ErrTooLarge) {
        t.Fatalf("want ErrTooLarge, got %v", err)
    }
    if cc.calls != 0 {
        t.Fatalf("oversized chunk must not reach the model")
    }
}
