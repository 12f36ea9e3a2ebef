package toy

import (
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

const (
	BOS       = 49406
	EOS       = 49407
	MaxTokens = 77

	firstWordID = 256
)

// Tokenizer hashes lower-cased words into a CLIP-sized id space. It keeps a
// reverse table of every word it has seen so truncated text can be reported.
type Tokenizer struct {
	words sync.Map // id -> word
}

func NewTokenizer() *Tokenizer {
	return &Tokenizer{}
}

func (t *Tokenizer) Encode(text string) ([]int, error) {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	ids := make([]int, 0, len(fields)+2)
	ids = append(ids, BOS)
	for _, w := range fields {
		id := wordID(w)
		t.words.LoadOrStore(id, w)
		ids = append(ids, id)
	}
	return append(ids, EOS), nil
}

func (t *Tokenizer) Decode(ids []int) string {
	var words []string
	for _, id := range ids {
		if id == BOS || id == EOS {
			continue
		}
		if w, ok := t.words.Load(id); ok {
			words = append(words, w.(string))
		}
	}
	return strings.Join(words, " ")
}

func (t *Tokenizer) MaxLength() int { return MaxTokens }

func (t *Tokenizer) PadID() int { return EOS }

func wordID(w string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(w))
	return firstWordID + int(h.Sum32()%uint32(BOS-firstWordID))
}
