package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sethvargo/go-retry"

	"github.com/kestrelbot/kestrel/pkg/config"
	"github.com/kestrelbot/kestrel/pkg/logger"
	"github.com/kestrelbot/kestrel/pkg/memory"
	"github.com/kestrelbot/kestrel/pkg/providers"
	"github.com/kestrelbot/kestrel/pkg/tokens"
	"github.com/kestrelbot/kestrel/pkg/trust"
)

// ConfigSource supplies the active configuration snapshot.
type ConfigSource interface {
	Current() *config.Config
}

// SummaryFunc condenses a dropped history span into a short summary. The
// assembler calls it during compaction; it is typically backed by the LLM
// provider.
type SummaryFunc func(ctx context.Context, existingSummary, transcript string) (string, error)

// Block is one labeled section of an assembled context window.
type Block struct {
	Label   string
	Content string
	Tokens  int
}

// ContextWindow is the token-budgeted context for one agent turn. Blocks are
// ordered by priority; History carries the surviving conversation messages.
type ContextWindow struct {
	Blocks      []Block
	History     []providers.Message
	Current     string
	Summary     string
	TotalTokens int
	Budget      int
	Degraded    bool
}

// BuildRequest carries everything the assembler needs for one turn.
type BuildRequest struct {
	Author  string
	Trust   trust.Level
	Channel string
	ChatID  string
	History []providers.Message
	Summary string
	Current string
}

const (
	blockIdentity = "identity"
	blockTrust    = "trust-instructions"
	blockSession  = "session"
	blockMemory   = "memory"
	blockSummary  = "summary"
)

// Assembler builds context windows. Identity and trust blocks are always
// included in full; memory and history are packed greedily until the budget
// is reached, with history truncated from the oldest end first.
type Assembler struct {
	source      ConfigSource
	mem         *memory.Service
	summarize   SummaryFunc
	recallCache *lru.LRU[string, []memory.Entry]
}

func NewAssembler(source ConfigSource, mem *memory.Service, summarize SummaryFunc) *Assembler {
	return &Assembler{
		source:      source,
		mem:         mem,
		summarize:   summarize,
		recallCache: lru.NewLRU[string, []memory.Entry](128, nil, 30*time.Second),
	}
}

func (a *Assembler) Build(ctx context.Context, req BuildRequest) (*ContextWindow, error) {
	cfg := a.source.Current()
	budget := cfg.Agent.MaxContextTokens
	if budget <= 0 {
		budget = 8192
	}

	w := &ContextWindow{Budget: budget, Current: req.Current}

	// Fixed blocks. These define who the agent is and how it treats the
	// author; they are never truncated.
	w.addBlock(blockIdentity, a.identityBlock(cfg))
	w.addBlock(blockTrust, trust.Instructions(req.Trust))
	w.addBlock(blockSession, sessionBlock(cfg, req))

	currentCost := tokens.Count(req.Current)
	if w.TotalTokens+currentCost > budget {
		// Cannot fit even the load-bearing blocks plus the message itself.
		// Proceed with the smallest possible context and flag it.
		w.Degraded = true
		w.TotalTokens += currentCost
		logger.WarnCF("assembler", "Context degraded, fixed blocks exceed budget", map[string]interface{}{
			"budget": budget,
			"tokens": w.TotalTokens,
		})
		return w, nil
	}
	// Token counts of joined blocks are not perfectly additive, so keep a
	// small reserve when packing variable blocks.
	const packingReserve = 16
	remaining := budget - w.TotalTokens - currentCost - packingReserve

	// Recalled memory, highest salience first.
	if memBlock := a.memoryBlock(ctx, req, remaining); memBlock != "" {
		w.addBlock(blockMemory, memBlock)
		remaining = budget - w.TotalTokens - currentCost - packingReserve
	}

	summary := strings.TrimSpace(req.Summary)
	history, dropped := packHistory(req.History, remaining-summaryCost(summary))

	// Compaction: when truncation drops history, replace the span with a
	// generated summary instead of losing continuity.
	if len(dropped) > 0 && a.summarize != nil {
		if updated, err := a.compact(ctx, summary, dropped); err != nil {
			logger.WarnCF("assembler", "History compaction failed, dropping span", map[string]interface{}{
				"error":   err.Error(),
				"dropped": len(dropped),
			})
		} else {
			summary = updated
			history, _ = packHistory(req.History[len(dropped):], remaining-summaryCost(summary))
		}
	}

	if summary != "" {
		w.Summary = summary
		if summaryCost(summary) <= remaining {
			w.addBlock(blockSummary, "## Summary of Previous Conversation\n\n"+summary)
		} else {
			logger.WarnCF("assembler", "Summary too large for remaining budget, omitting block", map[string]interface{}{
				"summary_tokens": summaryCost(summary),
				"remaining":      remaining,
			})
		}
	}
	w.History = history
	for _, m := range history {
		w.TotalTokens += messageCost(m)
	}
	w.TotalTokens += currentCost

	a.logUsage(w)
	return w, nil
}

func (a *Assembler) identityBlock(cfg *config.Config) string {
	parts := []string{strings.TrimSpace(cfg.PersonaText())}
	if traits := formatTraits(cfg.Identity.Traits); traits != "" {
		parts = append(parts, traits)
	}
	return strings.Join(parts, "\n\n")
}

func sessionBlock(cfg *config.Config, req BuildRequest) string {
	var sb strings.Builder
	sb.WriteString("## Current Session\n")
	fmt.Fprintf(&sb, "Channel: %s\n", req.Channel)
	fmt.Fprintf(&sb, "Chat ID: %s\n", req.ChatID)
	fmt.Fprintf(&sb, "Author: %s\n", req.Author)
	fmt.Fprintf(&sb, "Trust level: %s\n", req.Trust)

	free := normalizeSet(cfg.Autonomy.Free)
	confirm := normalizeSet(cfg.Autonomy.RequiresConfirmation)
	if len(free) > 0 {
		fmt.Fprintf(&sb, "Capabilities available without confirmation: %s\n", strings.Join(free, ", "))
	}
	if len(confirm) > 0 {
		fmt.Fprintf(&sb, "Capabilities requiring confirmation: %s\n", strings.Join(confirm, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (a *Assembler) memoryBlock(ctx context.Context, req BuildRequest, remaining int) string {
	if a.mem == nil || remaining <= 0 {
		return ""
	}

	cacheKey := req.Author + "|" + req.Channel + "|" + req.Current
	entries, ok := a.recallCache.Get(cacheKey)
	if !ok {
		var err error
		entries, err = a.mem.Recall(ctx, memory.RecallQuery{Text: req.Current})
		if err != nil {
			logger.WarnCF("assembler", "Memory recall failed", map[string]interface{}{"error": err.Error()})
			return ""
		}
		a.recallCache.Add(cacheKey, entries)
	}
	if len(entries) == 0 {
		return ""
	}

	header := "## Recalled Memory\n"
	used := tokens.Count(header)
	var sb strings.Builder
	sb.WriteString(header)
	for _, e := range entries {
		line := fmt.Sprintf("- [%s] %s\n", e.Tag, e.Content)
		cost := tokens.Count(line)
		if used+cost > remaining {
			break
		}
		sb.WriteString(line)
		used += cost
	}
	if used == tokens.Count(header) {
		return ""
	}
	return strings.TrimRight(sb.String(), "\n")
}

// packHistory keeps the newest messages that fit, returning the kept tail and
// the dropped prefix.
func packHistory(history []providers.Message, remaining int) (kept []providers.Message, dropped []providers.Message) {
	if remaining <= 0 {
		return nil, history
	}
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := messageCost(history[i])
		if used+cost > remaining {
			break
		}
		used += cost
		cut = i
	}
	// Never start the surviving span on a tool message; providers require a
	// preceding assistant tool call.
	for cut < len(history) && history[cut].Role == "tool" {
		cut++
	}
	return history[cut:], history[:cut]
}

func (a *Assembler) compact(ctx context.Context, existingSummary string, span []providers.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range span {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	var summary string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, err := a.summarize(ctx, existingSummary, transcript.String())
		if err != nil {
			return retry.RetryableError(err)
		}
		summary = strings.TrimSpace(out)
		return nil
	})
	return summary, err
}

func (w *ContextWindow) addBlock(label, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	b := Block{Label: label, Content: content, Tokens: tokens.Count(content)}
	w.Blocks = append(w.Blocks, b)
	w.TotalTokens += b.Tokens
}

func (w *ContextWindow) block(label string) (Block, bool) {
	for _, b := range w.Blocks {
		if b.Label == label {
			return b, true
		}
	}
	return Block{}, false
}

// ProviderMessages renders the window for a chat-completions call: one system
// message with the labeled blocks, then the surviving history, then the
// current user message.
func (w *ContextWindow) ProviderMessages() []providers.Message {
	parts := make([]string, 0, len(w.Blocks))
	for _, b := range w.Blocks {
		parts = append(parts, b.Content)
	}

	messages := []providers.Message{{
		Role:    "system",
		Content: strings.Join(parts, "\n\n---\n\n"),
	}}
	messages = append(messages, w.History...)
	if strings.TrimSpace(w.Current) != "" {
		messages = append(messages, providers.Message{Role: "user", Content: w.Current})
	}
	return messages
}

func (a *Assembler) logUsage(w *ContextWindow) {
	switch {
	case w.TotalTokens*100 > w.Budget*95:
		logger.WarnCF("assembler", "Context window nearly full", map[string]interface{}{
			"tokens": w.TotalTokens,
			"budget": w.Budget,
		})
	case w.TotalTokens*100 > w.Budget*80:
		logger.InfoCF("assembler", "Context window usage high", map[string]interface{}{
			"tokens": w.TotalTokens,
			"budget": w.Budget,
		})
	}
}

func messageCost(m providers.Message) int {
	return tokens.Count(m.Role) + tokens.Count(m.Content) + 4
}

func summaryCost(summary string) int {
	if summary == "" {
		return 0
	}
	return tokens.Count("## Summary of Previous Conversation\n\n" + summary)
}

// formatTraits renders numeric personality traits as coarse labels, which
// the model follows more reliably than raw floats.
func formatTraits(traits map[string]float64) string {
	if len(traits) == 0 {
		return ""
	}
	names := make([]string, 0, len(traits))
	for name := range traits {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString("## Traits\n")
	for _, name := range names {
		fmt.Fprintf(&sb, "- %s: %s\n", name, traitLabel(traits[name]))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func traitLabel(v float64) string {
	switch {
	case v > 0.7:
		return "high"
	case v > 0.4:
		return "moderate"
	default:
		return "low"
	}
}

func normalizeSet(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}
