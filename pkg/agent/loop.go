package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelbot/kestrel/pkg/bus"
	"github.com/kestrelbot/kestrel/pkg/identity"
	"github.com/kestrelbot/kestrel/pkg/logger"
	"github.com/kestrelbot/kestrel/pkg/memory"
	"github.com/kestrelbot/kestrel/pkg/providers"
	"github.com/kestrelbot/kestrel/pkg/tools"
	"github.com/kestrelbot/kestrel/pkg/trust"
)

// AgentLoop orchestrates one turn per inbound message: resolve the author,
// evaluate trust, assemble context, call the model, and route every tool
// call through the autonomy gate. Turns for different sessions run
// concurrently; the memory store serializes shared writes.
type AgentLoop struct {
	bus       *bus.MessageBus
	provider  providers.LLMProvider
	source    ConfigSource
	evaluator *trust.Evaluator
	assembler *Assembler
	gate      *Gate
	memory    *memory.Service
	tools     *tools.ToolRegistry
	sessions  *sessionStore
	workspace string

	resolverMu sync.RWMutex
	resolver   *identity.Resolver

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewAgentLoop(source ConfigSource, msgBus *bus.MessageBus, provider providers.LLMProvider, memSvc *memory.Service) *AgentLoop {
	cfg := source.Current()

	summarizeFn := func(ctx context.Context, existingSummary, transcript string) (string, error) {
		prompt := "Update the durable conversation summary.\n" +
			"Preserve user preferences, constraints, commitments, unresolved tasks, and key technical context.\n" +
			"Keep it compact and factual.\n\n" +
			"EXISTING SUMMARY:\n" + existingSummary + "\n\n" +
			"NEW TRANSCRIPT SEGMENT:\n" + transcript + "\n\n" +
			"Return only the updated summary."
		resp, err := provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, cfg.Agent.Model, map[string]interface{}{
			"max_tokens":  900,
			"temperature": 0.2,
		})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}

	registry := tools.NewToolRegistry()
	registry.Register(tools.NewMemoryInsertTool(memSvc))
	registry.Register(tools.NewMemoryRecallTool(memSvc))
	registry.Register(tools.NewMessageTool(func(channel, chatID, content string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})
		return nil
	}))

	return &AgentLoop{
		bus:       msgBus,
		provider:  provider,
		source:    source,
		evaluator: trust.NewEvaluator(source),
		assembler: NewAssembler(source, memSvc, summarizeFn),
		gate:      NewGate(source),
		memory:    memSvc,
		tools:     registry,
		sessions:  newSessionStore(),
		workspace: cfg.WorkspacePath(),
		resolver:  identity.NewResolver(cfg.Authors),
	}
}

// RegisterTool adds a capability; its name is what the gate authorizes.
func (al *AgentLoop) RegisterTool(tool tools.Tool) {
	al.tools.Register(tool)
}

func (al *AgentLoop) Gate() *Gate {
	return al.gate
}

// ReloadIdentities rebuilds the author resolver from the current
// configuration snapshot. Called after a config reload.
func (al *AgentLoop) ReloadIdentities() {
	resolver := identity.NewResolver(al.source.Current().Authors)
	al.resolverMu.Lock()
	al.resolver = resolver
	al.resolverMu.Unlock()
}

func (al *AgentLoop) resolve(channel, senderID string) string {
	al.resolverMu.RLock()
	defer al.resolverMu.RUnlock()
	return al.resolver.Resolve(channel, senderID)
}

func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.wg.Wait()

	for al.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := al.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}

			al.wg.Add(1)
			go func(msg bus.InboundMessage) {
				defer al.wg.Done()
				response, err := al.processMessage(ctx, msg)
				if err != nil {
					logger.ErrorCF("agent", "Turn failed", map[string]interface{}{
						"error":   err.Error(),
						"channel": msg.Channel,
						"chat_id": msg.ChatID,
					})
					response = fmt.Sprintf("Error processing message: %v", err)
				}
				if response != "" {
					al.bus.PublishOutbound(bus.OutboundMessage{
						Channel: msg.Channel,
						ChatID:  msg.ChatID,
						Content: response,
					})
				}
			}(msg)
		}
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

// ProcessDirect runs one turn for a locally entered message and returns the
// response instead of publishing it.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content string) (string, error) {
	return al.processMessage(ctx, bus.InboundMessage{
		Channel:  "cli",
		SenderID: "local-user",
		ChatID:   "direct",
		Content:  content,
	})
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	author := al.resolve(msg.Channel, msg.SenderID)
	level := al.evaluator.Level(author)

	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s", msg.Channel, msg.SenderID), map[string]interface{}{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"author":  author,
		"trust":   level.String(),
	})

	if response, handled := al.handleConfirmationReply(msg.Content); handled {
		return response, nil
	}

	return al.runTurn(ctx, msg, author, level)
}

// handleConfirmationReply intercepts "/approve <id>" and "/deny <id>"
// replies for suspended actions before they reach the model.
func (al *AgentLoop) handleConfirmationReply(content string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) != 2 {
		return "", false
	}

	var approved bool
	switch strings.ToLower(fields[0]) {
	case "/approve":
		approved = true
	case "/deny":
		approved = false
	default:
		return "", false
	}

	id := fields[1]
	if !al.gate.Resolve(id, approved) {
		return fmt.Sprintf("No pending action with id %s (it may have expired).", id), true
	}
	if approved {
		return fmt.Sprintf("Approved action %s.", id), true
	}
	return fmt.Sprintf("Denied action %s.", id), true
}

func (al *AgentLoop) runTurn(ctx context.Context, msg bus.InboundMessage, author string, level trust.Level) (string, error) {
	cfg := al.source.Current()
	sessKey := SessionIdentity{
		Workspace: al.workspace,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Author:    author,
	}.Key()

	sess := al.sessions.get(sessKey)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	window, err := al.assembler.Build(ctx, BuildRequest{
		Author:  author,
		Trust:   level,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		History: sess.history,
		Summary: sess.summary,
		Current: msg.Content,
	})
	if err != nil {
		return "", fmt.Errorf("assemble context: %w", err)
	}
	if window.Summary != "" {
		sess.summary = window.Summary
		sess.history = window.History
	}

	// Pin this turn's delivery route in the context; tools shared across
	// concurrent turns read it from there.
	ctx = tools.WithRoute(ctx, msg.Channel, msg.ChatID)

	messages := window.ProviderMessages()
	toolDefs := al.tools.ToProviderDefs()
	maxIterations := cfg.Agent.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 20
	}

	var finalContent string
	for iteration := 1; iteration <= maxIterations; iteration++ {
		response, err := al.provider.Chat(ctx, messages, toolDefs, cfg.Agent.Model, map[string]interface{}{
			"max_tokens":  8192,
			"temperature": 0.7,
		})
		if err != nil {
			return "", fmt.Errorf("LLM call failed: %w", err)
		}

		if len(response.ToolCalls) == 0 {
			finalContent = strings.TrimSpace(response.Content)
			break
		}

		assistantMsg := providers.Message{Role: "assistant", Content: response.Content}
		for _, tc := range response.ToolCalls {
			argumentsJSON, _ := json.Marshal(tc.Arguments)
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, providers.AssistantToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: providers.FunctionCall{Name: tc.Name, Arguments: string(argumentsJSON)},
			})
		}
		messages = append(messages, assistantMsg)

		for _, tc := range response.ToolCalls {
			result := al.executeGated(ctx, tc, msg, author, level)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
			})
		}
	}

	sess.history = append(sess.history, providers.Message{Role: "user", Content: msg.Content})
	if finalContent != "" {
		sess.history = append(sess.history, providers.Message{Role: "assistant", Content: finalContent})
	}
	return finalContent, nil
}

// executeGated runs one tool call through the autonomy gate. A confirm
// verdict suspends this turn until approval, denial, or expiry; only this
// action is abandoned on timeout, effects already produced stand.
func (al *AgentLoop) executeGated(ctx context.Context, tc providers.ToolCall, msg bus.InboundMessage, author string, level trust.Level) string {
	decision := al.gate.Authorize(tc.Name, level)
	logger.DebugCF("gate", "Capability authorization", map[string]interface{}{
		"capability": tc.Name,
		"decision":   decision.String(),
		"author":     author,
	})

	switch decision {
	case DecisionAllow:
		return al.tools.Execute(ctx, tc.Name, tc.Arguments).ForLLM

	case DecisionConfirm:
		pending := al.gate.Suspend(tc.Name, author, msg.Channel, msg.ChatID)
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fmt.Sprintf("Action %q needs confirmation. Reply \"/approve %s\" or \"/deny %s\" within %s.",
				tc.Name, pending.ID, pending.ID, time.Until(pending.ExpiresAt).Round(time.Second)),
		})

		switch al.gate.Await(ctx, pending) {
		case OutcomeApproved:
			return al.tools.Execute(ctx, tc.Name, tc.Arguments).ForLLM
		case OutcomeExpired:
			return fmt.Sprintf("Action %q was abandoned: confirmation timed out.", tc.Name)
		default:
			return fmt.Sprintf("Action %q was denied by the user.", tc.Name)
		}

	default:
		return fmt.Sprintf("Action %q is not permitted.", tc.Name)
	}
}
