package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// SendFunc delivers a message to a platform channel.
type SendFunc func(channel, chatID, content string) error

type routeKey struct{}

// WithRoute pins the delivery destination for tool calls made during one
// turn. The route rides the turn's context, so concurrent turns sharing the
// registry never see each other's destination.
func WithRoute(ctx context.Context, channel, chatID string) context.Context {
	return context.WithValue(ctx, routeKey{}, [2]string{channel, chatID})
}

func routeFromContext(ctx context.Context) (channel, chatID string, ok bool) {
	route, ok := ctx.Value(routeKey{}).([2]string)
	if !ok {
		return "", "", false
	}
	return route[0], route[1], true
}

// MessageTool lets the model send a message to a chat mid-turn. The
// destination comes from the turn context via WithRoute; SetContext only
// provides a fallback for embedders that run one turn at a time.
type MessageTool struct {
	send SendFunc

	mu      sync.RWMutex
	channel string
	chatID  string
}

func NewMessageTool(send SendFunc) *MessageTool {
	return &MessageTool{send: send}
}

// SetContext sets the fallback destination used when the turn context
// carries no route.
func (t *MessageTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a message to the current chat. Use for progress updates during long operations."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text to send",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("message content is required")
	}
	if t.send == nil {
		return ErrorResult("message delivery is not configured")
	}

	channel, chatID, ok := routeFromContext(ctx)
	if !ok {
		t.mu.RLock()
		channel, chatID = t.channel, t.chatID
		t.mu.RUnlock()
	}
	if err := t.send(channel, chatID, content); err != nil {
		return ErrorResult(fmt.Sprintf("send message: %v", err)).WithError(err)
	}
	return SuccessResult("Message sent.")
}
