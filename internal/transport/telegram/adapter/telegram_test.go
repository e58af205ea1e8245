package adapter

import (
	"strings"
	"testing"

	logx "loadbot/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()

	got := splitTelegramText("hello", 4000)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()

	lines := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	s := strings.Join(lines, "\n")

	chunks := splitTelegramText(s, 100)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
		// Newline-boundary splits keep lines intact.
		for _, line := range strings.Split(c, "\n") {
			if line != strings.Repeat("x", 20) {
				t.Fatalf("chunk %d broke a line: %q", i, line)
			}
		}
	}
}

func TestSplitTelegramTextHardSplit(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("y", 250)
	chunks := splitTelegramText(s, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if total := len(chunks[0]) + len(chunks[1]) + len(chunks[2]); total != 250 {
		t.Fatalf("content lost in split: %d", total)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
