package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HFTokenizerType identifies the tokenizer implementation type.
type HFTokenizerType string

const (
	// HFTypeBPE indicates Byte-Pair Encoding tokenizer.
	HFTypeBPE HFTokenizerType = "BPE"

	// HFTypeWordPiece indicates WordPiece tokenizer (BERT-style).
	HFTypeWordPiece HFTokenizerType = "WordPiece"

	// HFTypeUnigram indicates Unigram tokenizer (SentencePiece-style).
	HFTypeUnigram HFTokenizerType = "Unigram"

	// HFTypeUnknown indicates an unknown or unsupported tokenizer type.
	HFTypeUnknown HFTokenizerType = "Unknown"
)

// companionFiles are copied next to checkpoints when present.
var companionFiles = []string{
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
	"tokenizer.model",
}

// hfTokenizerFile is the subset of tokenizer.json this package reads.
type hfTokenizerFile struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []hfMerge      `json:"merges"`
		ByteFallback bool           `json:"byte_fallback"`
		UnkToken     *string        `json:"unk_token"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Normalizer   *hfComponent `json:"normalizer"`
	PreTokenizer *hfComponent `json:"pre_tokenizer"`
}

// hfComponent covers normalizers and pretokenizers, including Sequence nesting.
type hfComponent struct {
	Type           string         `json:"type"`
	Normalizers    []*hfComponent `json:"normalizers"`
	PreTokenizers  []*hfComponent `json:"pretokenizers"`
	Prepend        string         `json:"prepend"`
	Replacement    string         `json:"replacement"`
	AddPrefixSpace *bool          `json:"add_prefix_space"`
	PrependScheme  string         `json:"prepend_scheme"`
	Content        string         `json:"content"`
	Pattern        struct {
		String string `json:"String"`
	} `json:"pattern"`
}

// hfMerge accepts both merge encodings: "a b" and ["a", "b"].
type hfMerge pair

// UnmarshalJSON implements json.Unmarshaler.
func (m *hfMerge) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		first, second, ok := strings.Cut(s, " ")
		if !ok {
			return fmt.Errorf("invalid merge %q", s)
		}
		*m = hfMerge{first, second}
		return nil
	}

	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("invalid merge %s: %w", data, err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("invalid merge %s: want 2 parts, got %d", data, len(parts))
	}
	*m = hfMerge{parts[0], parts[1]}
	return nil
}

// walk visits c and every nested component.
func (c *hfComponent) walk(visit func(*hfComponent)) {
	if c == nil {
		return
	}
	visit(c)
	for _, n := range c.Normalizers {
		n.walk(visit)
	}
	for _, p := range c.PreTokenizers {
		p.walk(visit)
	}
}

// HFTokenizerMetadata contains metadata from tokenizer.json.
type HFTokenizerMetadata struct {
	Type          HFTokenizerType
	PreTokenizer  PreTokenizer
	VocabSize     int
	HasBOS        bool
	HasEOS        bool
	HasPAD        bool
	HasUNK        bool
	ByteFallback  bool
	TokenizerType string
}

func readHFTokenizer(path string) (*hfTokenizerFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path comes from trusted caller
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer.json: %w", err)
	}

	var file hfTokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer.json: %w", err)
	}
	return &file, nil
}

// detectPreTokenizer reports the word splitting mode and whether a leading
// "▁" is added.
func (f *hfTokenizerFile) detectPreTokenizer() (PreTokenizer, bool) {
	mode, prefix := ByteLevel, false
	found := false

	f.PreTokenizer.walk(func(c *hfComponent) {
		switch c.Type {
		case "Metaspace":
			mode, found = Metaspace, true
			prefix = c.PrependScheme != "never"
			if c.AddPrefixSpace != nil {
				prefix = *c.AddPrefixSpace
			}
		case "ByteLevel":
			if !found {
				mode, found = ByteLevel, true
			}
		}
	})
	if found {
		return mode, prefix
	}

	// Llama 2 style: no pretokenizer, the normalizer does the metaspace work.
	f.Normalizer.walk(func(c *hfComponent) {
		switch {
		case c.Type == "Prepend" && c.Prepend == metaspace:
			mode, prefix = Metaspace, true
		case c.Type == "Replace" && c.Content == metaspace && c.Pattern.String == " ":
			mode = Metaspace
		}
	})
	return mode, prefix
}

// DetectHFTokenizerType determines the tokenizer type from tokenizer.json.
func DetectHFTokenizerType(path string) (*HFTokenizerMetadata, error) {
	file, err := readHFTokenizer(path)
	if err != nil {
		return nil, err
	}

	metadata := &HFTokenizerMetadata{
		Type:          HFTypeUnknown,
		TokenizerType: file.Model.Type,
		VocabSize:     len(file.Model.Vocab),
		ByteFallback:  file.Model.ByteFallback,
	}
	metadata.PreTokenizer, _ = file.detectPreTokenizer()

	switch file.Model.Type {
	case "BPE":
		metadata.Type = HFTypeBPE
	case "WordPiece":
		metadata.Type = HFTypeWordPiece
	case "Unigram":
		metadata.Type = HFTypeUnigram
	case "":
		// Older exports omit the type when merges are present.
		if len(file.Model.Merges) > 0 {
			metadata.Type = HFTypeBPE
		}
	}

	for _, token := range file.AddedTokens {
		switch specialRole(token.Content) {
		case roleBOS:
			metadata.HasBOS = true
		case roleEOS:
			metadata.HasEOS = true
		case rolePAD:
			metadata.HasPAD = true
		case roleUNK:
			metadata.HasUNK = true
		}
	}

	return metadata, nil
}

type tokenRole int

const (
	roleNone tokenRole = iota
	roleBOS
	roleEOS
	rolePAD
	roleUNK
)

func specialRole(content string) tokenRole {
	switch content {
	case "<s>", "<bos>", "<|begin_of_text|>", "[CLS]":
		return roleBOS
	case "</s>", "<eos>", "<|endoftext|>", "<|end_of_text|>", "[SEP]":
		return roleEOS
	case "<pad>", "[PAD]", "<|pad|>":
		return rolePAD
	case "<unk>", "[UNK]":
		return roleUNK
	}
	return roleNone
}

// LoadBPEFromHuggingFace loads a BPE tokenizer from tokenizer.json.
func LoadBPEFromHuggingFace(path string) (*BPETokenizer, error) {
	file, err := readHFTokenizer(path)
	if err != nil {
		return nil, err
	}
	if file.Model.Type != "" && file.Model.Type != "BPE" {
		return nil, fmt.Errorf("%s: model type %q is not BPE", path, file.Model.Type)
	}

	vocab := make(map[string]int32, len(file.Model.Vocab)+len(file.AddedTokens))
	for token, id := range file.Model.Vocab {
		vocab[token] = int32(id) //nolint:gosec // G115: integer overflow conversion int -> int32
	}
	for _, added := range file.AddedTokens {
		vocab[added.Content] = int32(added.ID) //nolint:gosec // G115: integer overflow conversion int -> int32
	}

	merges := make([]pair, len(file.Model.Merges))
	for i, m := range file.Model.Merges {
		merges[i] = pair(m)
	}

	mode, prefix := file.detectPreTokenizer()
	tokenizer := NewBPETokenizer(vocab, merges, mode)
	tokenizer.SetByteFallback(file.Model.ByteFallback)
	tokenizer.SetPrefixSpace(prefix)

	bos, eos, pad, unk := int32(-1), int32(-1), int32(-1), int32(-1)
	if file.Model.UnkToken != nil {
		if id, ok := vocab[*file.Model.UnkToken]; ok {
			unk = id
		}
	}
	for _, added := range file.AddedTokens {
		if !added.Special {
			continue
		}
		id := int32(added.ID) //nolint:gosec // G115: integer overflow conversion int -> int32
		tokenizer.specialTokens[id] = true

		switch specialRole(added.Content) {
		case roleBOS:
			bos = id
		case roleEOS:
			eos = id
		case rolePAD:
			pad = id
		case roleUNK:
			unk = id
		}
	}
	tokenizer.SetSpecialTokens(bos, eos, pad, unk)

	return tokenizer, nil
}

// LoadFromHuggingFace loads a tokenizer from a HuggingFace model directory.
//
// The directory should contain tokenizer.json.
func LoadFromHuggingFace(modelPath string) (Tokenizer, error) {
	tokenizerPath := filepath.Join(modelPath, "tokenizer.json")

	metadata, err := DetectHFTokenizerType(tokenizerPath)
	if err != nil {
		return nil, err
	}

	switch metadata.Type {
	case HFTypeBPE:
		return LoadBPEFromHuggingFace(tokenizerPath)
	case HFTypeWordPiece:
		return nil, fmt.Errorf("WordPiece tokenizer not supported")
	case HFTypeUnigram:
		return nil, fmt.Errorf("unigram tokenizer not supported (export a BPE tokenizer.json)")
	default:
		return nil, fmt.Errorf("unknown tokenizer type: %s", metadata.TokenizerType)
	}
}

// Load resolves name to a tokenizer. name may be a tokenizer.json file, a
// directory containing one, a tiktoken encoding name or an OpenAI model name.
func Load(name string) (Tokenizer, error) {
	if name == "" {
		return nil, errors.New("empty tokenizer name")
	}

	if info, err := os.Stat(name); err == nil {
		if info.IsDir() {
			return LoadFromHuggingFace(name)
		}
		return LoadBPEFromHuggingFace(name)
	}
	if looksLikePath(name) {
		return nil, fmt.Errorf("tokenizer %q: %w", name, os.ErrNotExist)
	}

	if isTikTokenEncoding(name) {
		return NewTikToken(name)
	}
	return NewTikTokenForModel(name)
}

// Files lists the on-disk files backing the named tokenizer.
// Named tiktoken encodings have none.
func Files(name string) ([]string, error) {
	info, err := os.Stat(name)
	if err != nil {
		if looksLikePath(name) {
			return nil, fmt.Errorf("tokenizer %q: %w", name, err)
		}
		return nil, nil
	}

	dir := name
	if !info.IsDir() {
		dir = filepath.Dir(name)
	}

	files := make([]string, 0, len(companionFiles))
	if !info.IsDir() {
		files = append(files, name)
	}
	for _, f := range companionFiles {
		path := filepath.Join(dir, f)
		if !info.IsDir() && filepath.Clean(path) == filepath.Clean(name) {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files, nil
}

func looksLikePath(name string) bool {
	return strings.ContainsRune(name, os.PathSeparator) || strings.HasSuffix(name, ".json")
}
