package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/dlclark/regexp2"
)

// PreTokenizer selects how text is split into words before merges run.
type PreTokenizer int

const (
	// ByteLevel maps every byte to a printable rune and splits words with
	// the GPT-2 regex (GPT-2, Llama 3, Qwen).
	ByteLevel PreTokenizer = iota

	// Metaspace replaces spaces with "▁" and prefixes the text with one
	// (SentencePiece models: Llama 1/2, Mistral, TinyLlama).
	Metaspace
)

// metaspace is the SentencePiece word-boundary marker.
const metaspace = "▁"

// gpt2Pattern is the GPT-2 word splitting regex. The negative lookahead
// needs a backtracking engine, which regexp2 provides.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// maxCacheEntries bounds the per-word merge cache.
const maxCacheEntries = 1 << 20

var gpt2Splitter = regexp2.MustCompile(gpt2Pattern, regexp2.None)

// BPETokenizer implements Byte-Pair Encoding tokenization.
//
// This is a pure Go implementation that can load HuggingFace tokenizer.json
// files. It is safe for concurrent use once configured.
type BPETokenizer struct {
	vocab         map[string]int32 // token -> ID
	ranks         map[pair]int     // merge rule -> priority (lower first)
	reverseVocab  map[int32]string // ID -> token
	mode          PreTokenizer
	byteFallback  bool
	prefixSpace   bool
	bosToken      int32
	eosToken      int32
	padToken      int32
	unkToken      int32
	specialTokens map[int32]bool

	byteEncoder map[byte]rune
	byteDecoder map[rune]byte

	cache     sync.Map // word -> []int32
	cacheSize atomic.Int64
}

type pair struct {
	first  string
	second string
}

// NewBPETokenizer creates a new BPE tokenizer from vocab and merges.
// Merges are listed in priority order.
func NewBPETokenizer(vocab map[string]int32, merges []pair, mode PreTokenizer) *BPETokenizer {
	reverseVocab := make(map[int32]string, len(vocab))
	for token, id := range vocab {
		reverseVocab[id] = token
	}

	ranks := make(map[pair]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}

	b := &BPETokenizer{
		vocab:         vocab,
		ranks:         ranks,
		reverseVocab:  reverseVocab,
		mode:          mode,
		prefixSpace:   mode == Metaspace,
		bosToken:      -1,
		eosToken:      -1,
		padToken:      -1,
		unkToken:      -1,
		specialTokens: make(map[int32]bool),
	}
	if mode == ByteLevel {
		b.byteEncoder, b.byteDecoder = bytesToUnicode()
	}
	return b
}

// SetSpecialTokens configures special token IDs.
func (b *BPETokenizer) SetSpecialTokens(bos, eos, pad, unk int32) {
	b.bosToken = bos
	b.eosToken = eos
	b.padToken = pad
	b.unkToken = unk

	for _, id := range []int32{bos, eos, pad, unk} {
		if id >= 0 {
			b.specialTokens[id] = true
		}
	}
}

// SetByteFallback enables <0xNN> tokens for symbols missing from the vocab.
func (b *BPETokenizer) SetByteFallback(enabled bool) {
	b.byteFallback = enabled
}

// SetPrefixSpace controls the leading "▁" added in Metaspace mode.
func (b *BPETokenizer) SetPrefixSpace(enabled bool) {
	b.prefixSpace = enabled
}

// Encode converts text to token IDs using BPE.
func (b *BPETokenizer) Encode(text string) ([]int32, error) {
	if text == "" {
		return []int32{}, nil
	}

	words, err := b.split(text)
	if err != nil {
		return nil, err
	}

	tokens := make([]int32, 0, len(text)/3+1)
	for _, word := range words {
		if cached, ok := b.cache.Load(word); ok {
			tokens = append(tokens, cached.([]int32)...)
			continue
		}

		ids, err := b.encodeWord(word)
		if err != nil {
			return nil, err
		}
		if b.cacheSize.Load() < maxCacheEntries {
			if _, loaded := b.cache.LoadOrStore(word, ids); !loaded {
				b.cacheSize.Add(1)
			}
		}
		tokens = append(tokens, ids...)
	}

	return tokens, nil
}

// split applies the pretokenizer and returns words in the symbol alphabet
// the merges operate on.
func (b *BPETokenizer) split(text string) ([]string, error) {
	switch b.mode {
	case Metaspace:
		s := strings.ReplaceAll(text, " ", metaspace)
		if b.prefixSpace && !strings.HasPrefix(s, metaspace) {
			s = metaspace + s
		}
		return splitMetaspace(s), nil

	default:
		var words []string
		m, err := gpt2Splitter.FindStringMatch(text)
		for m != nil && err == nil {
			var sb strings.Builder
			for _, c := range []byte(m.String()) {
				sb.WriteRune(b.byteEncoder[c])
			}
			words = append(words, sb.String())
			m, err = gpt2Splitter.FindNextMatch(m)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to split text: %w", err)
		}
		return words, nil
	}
}

// splitMetaspace cuts s before every "▁" so that each word keeps its marker.
func splitMetaspace(s string) []string {
	var words []string
	start := 0
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], metaspace) {
			if i > start {
				words = append(words, s[start:i])
				start = i
			}
			i += len(metaspace)
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	if start < len(s) {
		words = append(words, s[start:])
	}
	return words
}

// encodeWord runs the merge loop over one word and maps symbols to ids.
func (b *BPETokenizer) encodeWord(word string) ([]int32, error) {
	if id, ok := b.vocab[word]; ok {
		return []int32{id}, nil
	}

	symbols := make([]string, 0, utf8.RuneCountInString(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}

	for len(symbols) > 1 {
		bestRank := -1
		var best pair
		for i := 0; i < len(symbols)-1; i++ {
			p := pair{symbols[i], symbols[i+1]}
			if rank, ok := b.ranks[p]; ok && (bestRank < 0 || rank < bestRank) {
				best, bestRank = p, rank
			}
		}
		if bestRank < 0 {
			break
		}

		// Merge every occurrence of the best pair, left to right.
		merged := symbols[:0:0]
		for i := 0; i < len(symbols); i++ {
			if i < len(symbols)-1 && symbols[i] == best.first && symbols[i+1] == best.second {
				merged = append(merged, best.first+best.second)
				i++
				continue
			}
			merged = append(merged, symbols[i])
		}
		symbols = merged
	}

	ids := make([]int32, 0, len(symbols))
	for _, sym := range symbols {
		if id, ok := b.vocab[sym]; ok {
			ids = append(ids, id)
			continue
		}
		if b.byteFallback {
			for _, c := range []byte(sym) {
				id, ok := b.vocab[byteToken(c)]
				if !ok {
					return nil, fmt.Errorf("byte fallback token %s missing from vocab", byteToken(c))
				}
				ids = append(ids, id)
			}
			continue
		}
		if b.unkToken >= 0 {
			ids = append(ids, b.unkToken)
			continue
		}
		return nil, fmt.Errorf("symbol %q not in vocab and no unk token", sym)
	}
	return ids, nil
}

// byteToken is the SentencePiece name of a raw byte.
func byteToken(c byte) string {
	return fmt.Sprintf("<0x%02X>", c)
}

// Decode converts token IDs back to text. Special tokens are skipped.
func (b *BPETokenizer) Decode(tokens []int32) (string, error) {
	var raw []byte

	for _, token := range tokens {
		if b.specialTokens[token] {
			continue
		}
		text, ok := b.reverseVocab[token]
		if !ok {
			return "", fmt.Errorf("token id %d out of vocab", token)
		}

		switch b.mode {
		case Metaspace:
			if c, ok := parseByteToken(text); ok {
				raw = append(raw, c)
				continue
			}
			raw = append(raw, strings.ReplaceAll(text, metaspace, " ")...)

		default:
			for _, r := range text {
				if c, ok := b.byteDecoder[r]; ok {
					raw = append(raw, c)
				} else {
					raw = utf8.AppendRune(raw, r)
				}
			}
		}
	}

	out := string(raw)
	if b.mode == Metaspace && b.prefixSpace {
		out = strings.TrimPrefix(out, " ")
	}
	return strings.ToValidUTF8(out, "�"), nil
}

func parseByteToken(s string) (byte, bool) {
	if len(s) != 6 || !strings.HasPrefix(s, "<0x") || s[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

// VocabSize returns the total vocabulary size, which is one past the
// highest id so that added tokens beyond the model vocab are counted.
func (b *BPETokenizer) VocabSize() int {
	n := len(b.vocab)
	for id := range b.reverseVocab {
		if int(id) >= n {
			n = int(id) + 1
		}
	}
	return n
}

// BosToken returns the beginning-of-sequence token ID.
func (b *BPETokenizer) BosToken() int32 {
	return b.bosToken
}

// EosToken returns the end-of-sequence token ID.
func (b *BPETokenizer) EosToken() int32 {
	return b.eosToken
}

// PadToken returns the padding token ID.
func (b *BPETokenizer) PadToken() int32 {
	return b.padToken
}

// UnkToken returns the unknown token ID.
func (b *BPETokenizer) UnkToken() int32 {
	return b.unkToken
}

// IsSpecialToken checks if a token ID is a special token.
func (b *BPETokenizer) IsSpecialToken(token int32) bool {
	return b.specialTokens[token]
}

// bytesToUnicode is the GPT-2 reversible byte to rune table. Printable
// latin-1 bytes map to themselves, the rest to runes from U+0100 upward.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	enc := make(map[byte]rune, 256)
	dec := make(map[rune]byte, 256)

	printable := func(c int) bool {
		return (c >= '!' && c <= '~') || (c >= 0xA1 && c <= 0xAC) || (c >= 0xAE && c <= 0xFF)
	}

	n := 0
	for c := 0; c < 256; c++ {
		r := rune(c)
		if !printable(c) {
			r = rune(256 + n)
			n++
		}
		enc[byte(c)] = r
		dec[r] = byte(c)
	}
	return enc, dec
}
