package tools

import (
	"context"
	"testing"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes input" }
func (echoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (echoTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	text, _ := args["text"].(string)
	return SuccessResult(text)
}

func TestRegistryExecute(t *testing.T) {
	r := NewToolRegistry()
	r.Register(echoTool{})

	result := r.Execute(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	if result.IsError || result.ForLLM != "hi" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewToolRegistry()
	result := r.Execute(context.Background(), "nope", nil)
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
}

func TestToProviderDefsSorted(t *testing.T) {
	r := NewToolRegistry()
	r.Register(echoTool{})
	r.Register(NewMessageTool(nil))

	defs := r.ToProviderDefs()
	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Function.Name != "echo" || defs[1].Function.Name != "message" {
		t.Fatalf("defs out of order: %s, %s", defs[0].Function.Name, defs[1].Function.Name)
	}
}

func TestSanitizeToolArgsRedactsSecrets(t *testing.T) {
	out := sanitizeToolArgs(map[string]interface{}{
		"api_key": "sk-123",
		"text":    "safe",
	})
	if out["api_key"] != "<redacted>" {
		t.Fatalf("api_key not redacted: %v", out["api_key"])
	}
	if out["text"] != "safe" {
		t.Fatalf("text mangled: %v", out["text"])
	}
}

func TestMessageToolRequiresContent(t *testing.T) {
	mt := NewMessageTool(func(channel, chatID, content string) error { return nil })
	if res := mt.Execute(context.Background(), map[string]interface{}{}); !res.IsError {
		t.Fatal("expected error for empty content")
	}
}

func TestMessageToolFallbackDestination(t *testing.T) {
	var gotChannel, gotChat, gotContent string
	mt := NewMessageTool(func(channel, chatID, content string) error {
		gotChannel, gotChat, gotContent = channel, chatID, content
		return nil
	})
	mt.SetContext("telegram", "c42")
	res := mt.Execute(context.Background(), map[string]interface{}{"content": "hello"})
	if res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if gotChannel != "telegram" || gotChat != "c42" || gotContent != "hello" {
		t.Fatalf("send called with %q %q %q", gotChannel, gotChat, gotContent)
	}
}

func TestMessageToolRoutePerTurn(t *testing.T) {
	var gotChannel, gotChat string
	mt := NewMessageTool(func(channel, chatID, content string) error {
		gotChannel, gotChat = channel, chatID
		return nil
	})

	turnA := WithRoute(context.Background(), "telegram", "c1")
	turnB := WithRoute(context.Background(), "discord", "c2")

	// A later turn pinning the fallback must not redirect an earlier turn.
	mt.SetContext("telegram", "c1")
	mt.SetContext("discord", "c2")

	if res := mt.Execute(turnA, map[string]interface{}{"content": "for A"}); res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if gotChannel != "telegram" || gotChat != "c1" {
		t.Fatalf("turn A delivered to %s:%s, want telegram:c1", gotChannel, gotChat)
	}

	if res := mt.Execute(turnB, map[string]interface{}{"content": "for B"}); res.IsError {
		t.Fatalf("unexpected error: %+v", res)
	}
	if gotChannel != "discord" || gotChat != "c2" {
		t.Fatalf("turn B delivered to %s:%s, want discord:c2", gotChannel, gotChat)
	}
}
