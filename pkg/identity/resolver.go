// Package identity maps platform-scoped sender identifiers to canonical
// author names. Resolution is a pure lookup against a static table; a miss
// downgrades trust downstream but never blocks message processing.
package identity

import (
	"strings"

	"github.com/kestrelbot/kestrel/pkg/config"
)

// Unknown is the sentinel author for any identifier the table does not cover.
const Unknown = "unknown"

type Resolver struct {
	// channel -> platform id -> canonical author name
	byPlatform map[string]map[string]string
}

// NewResolver inverts the configured author mapping (canonical name ->
// channel -> platform id) into a lookup table keyed by channel and id.
func NewResolver(authors config.AuthorsConfig) *Resolver {
	byPlatform := map[string]map[string]string{}
	for name, channels := range authors {
		canonical := strings.ToLower(strings.TrimSpace(name))
		if canonical == "" {
			continue
		}
		for channel, platformID := range channels {
			channel = normalizeChannel(channel)
			platformID = strings.TrimSpace(platformID)
			if channel == "" || platformID == "" {
				continue
			}
			ids, ok := byPlatform[channel]
			if !ok {
				ids = map[string]string{}
				byPlatform[channel] = ids
			}
			ids[platformID] = canonical
		}
	}
	return &Resolver{byPlatform: byPlatform}
}

// Resolve returns the canonical author name for a (channel, platform id)
// pair, or Unknown when the pair is unmapped or malformed.
func (r *Resolver) Resolve(channel, platformID string) string {
	if r == nil {
		return Unknown
	}
	channel = normalizeChannel(channel)
	platformID = strings.TrimSpace(platformID)
	if channel == "" || platformID == "" {
		return Unknown
	}
	ids, ok := r.byPlatform[channel]
	if !ok {
		return Unknown
	}
	if name, ok := ids[platformID]; ok {
		return name
	}
	return Unknown
}

// Known reports whether the resolver holds any mapping for the channel.
func (r *Resolver) Known(channel string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byPlatform[normalizeChannel(channel)]
	return ok
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
