package channels

import (
	"strings"
	"testing"
)

func TestChunk_ShortText(t *testing.T) {
	text := "Hello, world!"

	chunks := Chunk(text, 100)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != text {
		t.Errorf("expected %q, got %q", text, chunks[0])
	}
}

func TestChunk_EmptyText(t *testing.T) {
	if chunks := Chunk("", 100); chunks != nil {
		t.Errorf("expected nil for empty text, got %v", chunks)
	}
}

func TestChunk_NoLimit(t *testing.T) {
	text := strings.Repeat("x", 500)

	chunks := Chunk(text, 0)

	if len(chunks) != 1 || chunks[0] != text {
		t.Errorf("max<=0 should return the text unsplit, got %d chunks", len(chunks))
	}
}

func TestChunk_PacksLinesGreedily(t *testing.T) {
	text := "one\ntwo\nthree\nfour"

	chunks := Chunk(text, 9)

	want := []string{"one\ntwo", "three", "four"}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d: %v", len(want), len(chunks), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestChunk_HardSplitsOversizedLine(t *testing.T) {
	text := "abcdefghijklmnop"

	chunks := Chunk(text, 5)

	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d: %v", len(chunks), chunks)
	}
	for i, c := range chunks[:3] {
		if len(c) != 5 {
			t.Errorf("chunk %d length = %d, expected 5", i, len(c))
		}
	}
	if strings.Join(chunks, "") != text {
		t.Errorf("hard split lost content: %v", chunks)
	}
}

// Splits at line boundaries rejoin losslessly as long as no single line
// exceeds the limit.
func TestChunk_RoundTripAndBound(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
	}{
		{"single line", "single line", 15},
		{"one line per chunk", "first line\nsecond line\nthird line", 12},
		{"blank line folds into chunk", "para one\n\npara two", 10},
		{"packed pairs", "aa\nbb\ncc\ndd", 5},
		{"long first line", strings.Repeat("ab ", 10) + "\nshort", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := Chunk(tt.text, tt.max)
			for i, c := range chunks {
				if len(c) > tt.max {
					t.Errorf("chunk %d exceeds limit: %d > %d", i, len(c), tt.max)
				}
			}
			if joined := strings.Join(chunks, "\n"); joined != tt.text {
				t.Errorf("round trip mismatch:\n got %q\nwant %q", joined, tt.text)
			}
		})
	}
}
