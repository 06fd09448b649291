// Package tokenizer converts text to token ids for the trainer. The real
// vocabularies used in experiments come from external tokenizer files;
// this package carries the id layout contract and a byte-level fallback.
package tokenizer

// Token id layout:
//
//	0:      <pad>  padding, never contributes loss
//	1:      <bos>  begin of sequence
//	2:      <eos>  end of sequence
//	3:      <unk>  unknown
//	4-259:  raw byte values
//
// Padding must stay at id 0 so the loss ignore-index convention holds.
const (
	PadID = 0
	BosID = 1
	EosID = 2
	UnkID = 3

	firstByteID = 4
	numSpecials = 4
)

// Tokenizer is the interface the data pipeline consumes.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
	VocabSize() int
}

// ByteTokenizer maps each UTF-8 byte to one token. No subword merging.
type ByteTokenizer struct{}

func NewByteTokenizer() *ByteTokenizer { return &ByteTokenizer{} }

func (t *ByteTokenizer) VocabSize() int { return numSpecials + 256 }

// Encode converts a string to token ids, byte by byte.
func (t *ByteTokenizer) Encode(text string) []int {
	raw := []byte(text)
	tokens := make([]int, len(raw))
	for i, b := range raw {
		tokens[i] = firstByteID + int(b)
	}
	return tokens
}

// Decode converts token ids back to a string, skipping specials.
func (t *ByteTokenizer) Decode(tokens []int) string {
	out := make([]byte, 0, len(tokens))
	for _, tok := range tokens {
		if tok >= firstByteID && tok < firstByteID+256 {
			out = append(out, byte(tok-firstByteID))
		}
	}
	return string(out)
}
