package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kestrelbot/kestrel/pkg/bus"
	"github.com/kestrelbot/kestrel/pkg/config"
	"github.com/kestrelbot/kestrel/pkg/memory"
	"github.com/kestrelbot/kestrel/pkg/providers"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*providers.LLMResponse
	calls     int
	toolMsgs  []providers.Message
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		if m.Role == "tool" {
			p.toolMsgs = append(p.toolMsgs, m)
		}
	}
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx], nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "test/model" }

func (p *scriptedProvider) lastToolResult() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.toolMsgs) == 0 {
		return ""
	}
	return p.toolMsgs[len(p.toolMsgs)-1].Content
}

func loopConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.Workspace = t.TempDir()
	cfg.Identity.Persona = "You are Kestrel."
	cfg.Authors = config.AuthorsConfig{
		"skye": {"telegram": "17567648"},
	}
	cfg.Trust.Known = map[string]float64{"skye": 1.0}
	cfg.Autonomy.Free = []string{"memory_insert", "memory_recall", "message"}
	cfg.Autonomy.RequiresConfirmation = []string{"delete_files"}
	return cfg
}

func newTestLoop(t *testing.T, cfg *config.Config, provider providers.LLMProvider) (*AgentLoop, *bus.MessageBus) {
	t.Helper()
	src := staticSource{cfg: cfg}
	mem, err := memory.NewService(cfg.WorkspacePath(), src)
	if err != nil {
		t.Fatalf("memory service: %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	return NewAgentLoop(src, mb, provider, mem), mb
}

func TestProcessDirectPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "hello skye", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, loopConfig(t), provider)

	got, err := loop.ProcessDirect(context.Background(), "hi")
	if err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if got != "hello skye" {
		t.Fatalf("response = %q", got)
	}
}

func TestFreeCapabilityExecutesImmediately(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{
			ID:        "call_1",
			Name:      "memory_insert",
			Arguments: map[string]interface{}{"content": "skye runs three clusters", "tag": "default"},
		}}},
		{Content: "noted", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, loopConfig(t), provider)

	got, err := loop.ProcessDirect(context.Background(), "remember that I run three clusters")
	if err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if got != "noted" {
		t.Fatalf("response = %q", got)
	}
	if !strings.Contains(provider.lastToolResult(), "Remembered") {
		t.Fatalf("tool result = %q", provider.lastToolResult())
	}
}

func TestConfirmCapabilityDeniedByUser(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{ToolCalls: []providers.ToolCall{{
			ID:        "call_1",
			Name:      "delete_files",
			Arguments: map[string]interface{}{"path": "/tmp/x"},
		}}},
		{Content: "I did not delete anything.", FinishReason: "stop"},
	}}
	loop, mb := newTestLoop(t, loopConfig(t), provider)

	// Deny the confirmation as soon as the prompt appears on the bus.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, ok := mb.SubscribeOutbound(ctx); !ok {
			return
		}
		for {
			pending := loop.Gate().Pending()
			if len(pending) > 0 {
				loop.Gate().Resolve(pending[0].ID, false)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	got, err := loop.ProcessDirect(context.Background(), "delete /tmp/x")
	if err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if got != "I did not delete anything." {
		t.Fatalf("response = %q", got)
	}
	if !strings.Contains(provider.lastToolResult(), "denied") {
		t.Fatalf("tool result = %q", provider.lastToolResult())
	}
}

func TestConfirmationReplyCommands(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "ok", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, loopConfig(t), provider)

	p := loop.Gate().Suspend("delete_files", "skye", "cli", "direct")
	got, err := loop.ProcessDirect(context.Background(), "/approve "+p.ID)
	if err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if !strings.Contains(got, "Approved") {
		t.Fatalf("response = %q", got)
	}
	select {
	case approved := <-p.resolved:
		if !approved {
			t.Fatal("expected approval")
		}
	default:
		t.Fatal("pending action not resolved")
	}

	got, err = loop.ProcessDirect(context.Background(), "/deny missing")
	if err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if !strings.Contains(got, "No pending action") {
		t.Fatalf("response = %q", got)
	}
}

func TestRunPublishesResponses(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "pong", FinishReason: "stop"},
	}}
	loop, mb := newTestLoop(t, loopConfig(t), provider)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	mb.PublishInbound(bus.InboundMessage{
		Channel:  "telegram",
		SenderID: "17567648",
		ChatID:   "c1",
		Content:  "ping",
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	out, ok := mb.SubscribeOutbound(waitCtx)
	if !ok {
		t.Fatal("no outbound message")
	}
	if out.Content != "pong" || out.Channel != "telegram" || out.ChatID != "c1" {
		t.Fatalf("outbound = %+v", out)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

// echoRouteProvider answers every user message with one message-tool call
// that echoes the input, then ends the turn.
type echoRouteProvider struct{}

func (echoRouteProvider) Chat(ctx context.Context, messages []providers.Message, tools []providers.ToolDefinition, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	last := messages[len(messages)-1]
	if last.Role == "tool" {
		return &providers.LLMResponse{Content: "", FinishReason: "stop"}, nil
	}
	return &providers.LLMResponse{ToolCalls: []providers.ToolCall{{
		ID:        "call_1",
		Name:      "message",
		Arguments: map[string]interface{}{"content": "echo " + last.Content},
	}}}, nil
}

func (echoRouteProvider) GetDefaultModel() string { return "test/model" }

func TestMessageToolRoutedToOwnTurnChannel(t *testing.T) {
	loop, mb := newTestLoop(t, loopConfig(t), echoRouteProvider{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = loop.Run(ctx) }()

	mb.PublishInbound(bus.InboundMessage{Channel: "telegram", SenderID: "17567648", ChatID: "c1", Content: "alpha"})
	mb.PublishInbound(bus.InboundMessage{Channel: "discord", SenderID: "999", ChatID: "c2", Content: "beta"})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	got := map[string]bus.OutboundMessage{}
	for len(got) < 2 {
		out, ok := mb.SubscribeOutbound(waitCtx)
		if !ok {
			t.Fatalf("timed out with %d outbound messages", len(got))
		}
		got[out.Content] = out
	}

	a, ok := got["echo alpha"]
	if !ok || a.Channel != "telegram" || a.ChatID != "c1" {
		t.Fatalf("alpha reply misrouted: %+v", a)
	}
	b, ok := got["echo beta"]
	if !ok || b.Channel != "discord" || b.ChatID != "c2" {
		t.Fatalf("beta reply misrouted: %+v", b)
	}
}

func TestSessionHistoryAccumulates(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		{Content: "first answer", FinishReason: "stop"},
	}}
	loop, _ := newTestLoop(t, loopConfig(t), provider)

	if _, err := loop.ProcessDirect(context.Background(), "first question"); err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}
	if _, err := loop.ProcessDirect(context.Background(), "second question"); err != nil {
		t.Fatalf("ProcessDirect failed: %v", err)
	}

	key := SessionIdentity{
		Workspace: loop.workspace,
		Channel:   "cli",
		ChatID:    "direct",
		Author:    "unknown",
	}.Key()
	sess := loop.sessions.get(key)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(sess.history))
	}
	if sess.history[0].Content != "first question" || sess.history[1].Content != "first answer" {
		t.Fatalf("history order wrong: %+v", sess.history[:2])
	}
}
