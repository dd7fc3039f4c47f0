package tokens

import "testing"

func TestCountEmpty(t *testing.T) {
	if got := Count(""); got != 0 {
		t.Fatalf("Count(\"\") = %d, want 0", got)
	}
}

func TestCountPositive(t *testing.T) {
	if got := Count("hello"); got < 1 {
		t.Fatalf("Count(hello) = %d, want >= 1", got)
	}
}

func TestCountGrowsWithInput(t *testing.T) {
	short := Count("one two three")
	long := Count("one two three four five six seven eight nine ten eleven twelve")
	if long <= short {
		t.Fatalf("longer text should cost more tokens: %d <= %d", long, short)
	}
}

func TestEstimateFallback(t *testing.T) {
	if got := estimate("hello world"); got < 1 {
		t.Fatalf("estimate = %d, want >= 1", got)
	}
	if got := estimate("x"); got != 1 {
		t.Fatalf("estimate of single rune = %d, want 1", got)
	}
}
