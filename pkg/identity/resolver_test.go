package identity

import (
	"testing"

	"github.com/kestrelbot/kestrel/pkg/config"
)

func testAuthors() config.AuthorsConfig {
	return config.AuthorsConfig{
		"skye": {
			"telegram": "17567648",
			"discord":  "skye#1234",
		},
		"marlowe": {
			"telegram": "88001122",
		},
	}
}

func TestResolveKnownAuthor(t *testing.T) {
	r := NewResolver(testAuthors())
	if got := r.Resolve("telegram", "17567648"); got != "skye" {
		t.Fatalf("Resolve = %q, want skye", got)
	}
	if got := r.Resolve("discord", "skye#1234"); got != "skye" {
		t.Fatalf("Resolve = %q, want skye", got)
	}
}

func TestResolveUnmappedID(t *testing.T) {
	r := NewResolver(testAuthors())
	if got := r.Resolve("telegram", "999"); got != Unknown {
		t.Fatalf("Resolve = %q, want %q", got, Unknown)
	}
}

func TestResolveMalformedChannel(t *testing.T) {
	r := NewResolver(testAuthors())
	if got := r.Resolve("", "17567648"); got != Unknown {
		t.Fatalf("Resolve with empty channel = %q, want %q", got, Unknown)
	}
	if got := r.Resolve("no-such-channel", "17567648"); got != Unknown {
		t.Fatalf("Resolve with unmapped channel = %q, want %q", got, Unknown)
	}
}

func TestResolveNormalizesChannelCase(t *testing.T) {
	r := NewResolver(testAuthors())
	if got := r.Resolve(" Telegram ", "88001122"); got != "marlowe" {
		t.Fatalf("Resolve = %q, want marlowe", got)
	}
}

func TestKnown(t *testing.T) {
	r := NewResolver(testAuthors())
	if !r.Known("telegram") {
		t.Fatal("telegram should be a known channel")
	}
	if r.Known("matrix") {
		t.Fatal("matrix should not be a known channel")
	}
}

func TestEmptyMapping(t *testing.T) {
	r := NewResolver(config.AuthorsConfig{})
	if got := r.Resolve("telegram", "17567648"); got != Unknown {
		t.Fatalf("Resolve on empty mapping = %q, want %q", got, Unknown)
	}
}
