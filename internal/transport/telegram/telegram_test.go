package telegram

import (
	"strings"
	"testing"

	logx "sidekick/pkg/logx"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	got := splitText(text, 100)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(got), got)
	}
	if strings.Contains(got[0], "b") || strings.Contains(got[1], "a") {
		t.Fatalf("split did not respect the newline boundary: %q", got)
	}
}

func TestSplitTextRespectsLimit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 9000)
	for _, chunk := range splitText(text, telegramTextLimit) {
		if n := len([]rune(chunk)); n > telegramTextLimit {
			t.Fatalf("chunk of %d runes exceeds limit", n)
		}
	}
}

func TestSplitTextNoEmptyChunks(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line\n", 2000)
	for i, chunk := range splitText(text, 100) {
		if chunk == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}
