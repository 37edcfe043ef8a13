package chunker

import "testing"

func TestSplitEmpty(t *testing.T) {
	tc := New()
	if chunks := tc.Split(""); len(chunks) != 0 {
		t.Fatalf("Split(\"\") = %v, want empty", chunks)
	}
}

func TestSplitShorterThanWindow(t *testing.T) {
	tc := New()
	chunks := tc.Split("短いテキスト")
	if len(chunks) != 1 {
		t.Fatalf("len(chunks) = %d, want 1", len(chunks))
	}
	if chunks[0].Text != "短いテキスト" || chunks[0].Index != 0 {
		t.Fatalf("chunk = %+v", chunks[0])
	}
}

func TestSplitSlidingWindow(t *testing.T) {
	tc := &TextChunker{ChunkSize: 10, Overlap: 2}
	runes := []rune("abcdefghijklmnopqrstuvwxyz")
	chunks := tc.Split(string(runes))

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has Index %d", i, c.Index)
		}
	}
	last := chunks[len(chunks)-1]
	if last.Text[len(last.Text)-1] != 'z' {
		t.Fatalf("last chunk should end at 'z', got %q", last.Text)
	}
	// adjacent chunks must overlap by exactly Overlap runes
	second := chunks[1]
	first := chunks[0]
	firstRunes := []rune(first.Text)
	secondRunes := []rune(second.Text)
	if string(firstRunes[len(firstRunes)-2:]) != string(secondRunes[:2]) {
		t.Fatalf("expected 2-rune overlap between chunk 0 and 1: %q vs %q", first.Text, second.Text)
	}
}
