package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/kestrelbot/kestrel/pkg/memory"
)

// MemoryInsertTool records a durable observation in the memory store.
type MemoryInsertTool struct {
	svc *memory.Service
}

func NewMemoryInsertTool(svc *memory.Service) *MemoryInsertTool {
	return &MemoryInsertTool{svc: svc}
}

func (t *MemoryInsertTool) Name() string { return "memory_insert" }

func (t *MemoryInsertTool) Description() string {
	return "Record a fact or conclusion worth remembering across conversations. Tag with core, crucial, default or ephemeral by how long it should persist."
}

func (t *MemoryInsertTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, phrased so it is useful without surrounding context",
			},
			"tag": map[string]interface{}{
				"type":        "string",
				"description": "Retention tier: core, crucial, default or ephemeral",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemoryInsertTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, _ := args["content"].(string)
	tag, _ := args["tag"].(string)
	entry, err := t.svc.Insert(ctx, content, tag)
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory insert: %v", err)).WithError(err)
	}
	return SuccessResult(fmt.Sprintf("Remembered (id=%s, tag=%s).", entry.ID, entry.Tag))
}

// MemoryRecallTool searches stored memories by query text.
type MemoryRecallTool struct {
	svc *memory.Service
}

func NewMemoryRecallTool(svc *memory.Service) *MemoryRecallTool {
	return &MemoryRecallTool{svc: svc}
}

func (t *MemoryRecallTool) Name() string { return "memory_recall" }

func (t *MemoryRecallTool) Description() string {
	return "Search stored memories. Returns the most salient matches; recalling a memory keeps it salient."
}

func (t *MemoryRecallTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "What to search for",
			},
			"tag": map[string]interface{}{
				"type":        "string",
				"description": "Restrict to one retention tier (optional)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *MemoryRecallTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	tag, _ := args["tag"].(string)
	entries, err := t.svc.Recall(ctx, memory.RecallQuery{Text: query, Tag: tag})
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory recall: %v", err)).WithError(err)
	}
	if len(entries) == 0 {
		return SuccessResult("No matching memories.")
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- [%s, weight %.2f] %s\n", e.Tag, e.Weight, e.Content)
	}
	return SuccessResult(sb.String())
}
