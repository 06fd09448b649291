package tokenizer

import "testing"

func TestByteTokenizerRoundTrip(t *testing.T) {
	tok := NewByteTokenizer()
	for _, text := range []string{"", "hello", "päivää", "tabs\tand\nnewlines"} {
		ids := tok.Encode(text)
		if got := tok.Decode(ids); got != text {
			t.Errorf("round trip %q -> %q", text, got)
		}
	}
}

func TestByteTokenizerLayout(t *testing.T) {
	if PadID != 0 {
		t.Fatal("padding must stay at id 0 for the loss ignore convention")
	}
	tok := NewByteTokenizer()
	ids := tok.Encode("A")
	if len(ids) != 1 || ids[0] != firstByteID+'A' {
		t.Fatalf("Encode(A) = %v", ids)
	}
	if max := tok.VocabSize(); ids[0] >= max {
		t.Fatalf("token %d outside vocab %d", ids[0], max)
	}
	// Specials decode to nothing.
	if got := tok.Decode([]int{BosID, EosID, UnkID, PadID}); got != "" {
		t.Fatalf("specials decoded to %q", got)
	}
}
