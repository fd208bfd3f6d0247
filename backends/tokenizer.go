package backends

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
)

// token types as stored in tokenizer.ggml.token_type
const (
	_ int32 = iota
	TokenTypeNormal
	TokenTypeUnknown
	TokenTypeControl
	TokenTypeUserDefined
	TokenTypeUnused
	TokenTypeByte
)

// SpecialTokenTypes are the special tokens looked up in tokenizer_config.json.
var SpecialTokenTypes = []string{"bos", "eos", "unk", "sep", "pad", "cls", "mask"}

type Tokenizer struct {
	*Vocabulary
	SpecialVocabulary []*SpecialVocabulary
	Merges            []string
	Pre               string
	Template          string
	GoTokenizer       *GoTokenizer
}

type Vocabulary struct {
	Model  string
	Tokens []string
	Scores []float32
	Types  []int32
}

type SpecialVocabulary struct {
	Type     string
	ID       int
	Content  string
	AddToken bool

	// IDs is populated by generation_config.json
	IDs []int32
}

// Key is the name used for the special token in GGUF metadata.
func (sv SpecialVocabulary) Key() string {
	switch t := sv.Type; t {
	case "bos", "eos", "cls", "mask":
		return t
	case "unk":
		return "unknown"
	case "sep":
		//nolint:misspell // llama.cpp spells it this way
		return "seperator"
	case "pad":
		return "padding"
	}
	return sv.Type
}

type tokenizerFile struct {
	AddedTokens []addedToken `json:"added_tokens"`
	Model       struct {
		Type         string              `json:"type"`
		Vocab        jsoniter.RawMessage `json:"vocab"`
		Merges       jsoniter.RawMessage `json:"merges"`
		ByteFallback bool                `json:"byte_fallback"`
	} `json:"model"`

	PreTokenizer struct {
		PreTokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
}

type addedToken struct {
	ID          int    `json:"id"`
	Content     string `json:"content"`
	Special     bool   `json:"special"`
	UserDefined bool   `json:"-"`
	score       float32
	hasScore    bool
}

// LoadTokenizer parses tokenizer.json, tokenizer_config.json and generation_config.json from fsys.
// tokenizer.json is required; the other two are optional.
func LoadTokenizer(fsys fs.FS) (*Tokenizer, error) {
	tokenizerBytes, err := fs.ReadFile(fsys, "tokenizer.json")
	if err != nil {
		return nil, fmt.Errorf("error reading tokenizer.json: %w", err)
	}

	var tt tokenizerFile
	if err := json.Unmarshal(tokenizerBytes, &tt); err != nil {
		return nil, fmt.Errorf("parsing tokenizer.json: %w", err)
	}

	v, err := parseVocabulary(tt)
	if err != nil {
		return nil, err
	}
	t := &Tokenizer{Vocabulary: v, Pre: "default"}

	if t.Merges, err = parseMerges(tt.Model.Merges); err != nil {
		return nil, err
	}
	t.Pre = preTokenizerName(tt)

	addedTokens := make(map[string]addedToken, len(tt.AddedTokens))
	for _, at := range tt.AddedTokens {
		addedTokens[at.Content] = at
	}

	if err := parseTokenizerConfig(fsys, t, addedTokens); err != nil {
		return nil, err
	}
	if err := parseGenerationConfig(fsys, t); err != nil {
		return nil, err
	}

	if goTokenizer, goErr := loadGoTokenizer(tokenizerBytes); goErr != nil {
		log.Debug().Err(goErr).Msg("tokenizer.json not supported by the Go tokenizer, probe encoding disabled")
	} else {
		t.GoTokenizer = goTokenizer
	}
	return t, nil
}

func parseVocabulary(tt tokenizerFile) (*Vocabulary, error) {
	tokens := map[int]addedToken{}
	model := "gpt2"

	var vocabMap map[string]int
	var vocabList [][]jsoniter.RawMessage
	switch {
	case len(tt.Model.Vocab) == 0:
		return nil, errors.New("tokenizer.json has no model vocabulary")
	case json.Unmarshal(tt.Model.Vocab, &vocabMap) == nil:
		for k, id := range vocabMap {
			tokens[id] = addedToken{ID: id, Content: k}
		}
		if tt.Model.ByteFallback {
			model = "llama"
		}
	case json.Unmarshal(tt.Model.Vocab, &vocabList) == nil:
		// unigram vocabularies are [piece, score] pairs ordered by id
		model = "llama"
		for id, entry := range vocabList {
			if len(entry) != 2 {
				return nil, fmt.Errorf("unexpected unigram vocabulary entry at %d", id)
			}
			var piece string
			var score float32
			if err := json.Unmarshal(entry[0], &piece); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(entry[1], &score); err != nil {
				return nil, err
			}
			tokens[id] = addedToken{ID: id, Content: piece, score: score, hasScore: true}
		}
	default:
		return nil, fmt.Errorf("unsupported %s vocabulary in tokenizer.json", tt.Model.Type)
	}

	for _, at := range tt.AddedTokens {
		at.UserDefined = true
		if existing, ok := tokens[at.ID]; ok && existing.hasScore {
			at.score, at.hasScore = existing.score, true
		}
		tokens[at.ID] = at
	}

	ids := slices.Sorted(maps.Keys(tokens))
	if len(ids) == 0 {
		return nil, errors.New("tokenizer.json vocabulary is empty")
	}
	if ids[0] < 0 {
		return nil, fmt.Errorf("negative token id %d in tokenizer.json", ids[0])
	}

	// tokens are laid out by id, ids missing from the vocabulary become unused padding
	v := Vocabulary{Model: model}
	for id := range ids[len(ids)-1] + 1 {
		tok, ok := tokens[id]
		if !ok {
			v.Tokens = append(v.Tokens, fmt.Sprintf("[PAD%d]", id))
			v.Scores = append(v.Scores, -1)
			v.Types = append(v.Types, TokenTypeUnused)
			continue
		}
		v.Tokens = append(v.Tokens, tok.Content)
		if tok.hasScore {
			v.Scores = append(v.Scores, tok.score)
		} else {
			v.Scores = append(v.Scores, float32(tok.ID))
		}

		switch {
		case tok.Special:
			v.Types = append(v.Types, TokenTypeControl)
		case tok.UserDefined:
			v.Types = append(v.Types, TokenTypeUserDefined)
		case isByteToken(tok.Content):
			v.Types = append(v.Types, TokenTypeByte)
		default:
			v.Types = append(v.Types, TokenTypeNormal)
		}
	}
	return &v, nil
}

// isByteToken matches sentencepiece byte fallback pieces such as <0x0A>.
func isByteToken(s string) bool {
	return len(s) == 6 && strings.HasPrefix(s, "<0x") && strings.HasSuffix(s, ">")
}

func parseMerges(raw jsoniter.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var merges []string
	if err := json.Unmarshal(raw, &merges); err == nil {
		return merges, nil
	}
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("could not parse tokenizer merges. expected []string or [][]string: %w", err)
	}
	merges = make([]string, len(pairs))
	for i := range pairs {
		merges[i] = strings.Join(pairs[i], " ")
	}
	return merges, nil
}

// preTokenizerName identifies well known pre-tokenizers by a checksum of their split patterns.
func preTokenizerName(tt tokenizerFile) string {
	sha256sum := sha256.New()
	for _, pt := range tt.PreTokenizer.PreTokenizers {
		if pt.Type == "Split" && pt.Pattern.Regex != "" {
			sha256sum.Write([]byte(pt.Pattern.Regex))
		}
	}

	switch digest := hex.EncodeToString(sha256sum.Sum(nil)); digest {
	case "d98f9631be1e9607a9848c26c1f9eac1aa9fc21ac6ba82a2fc0741af9780a48f":
		return "llama-bpe"
	case "03df5c5863ad70781dcfdef491ead25140f895fe8010964be0daefe27be32b02":
		return "deepseek-llm"
	case "21cde974d587f0d54dc8d56b183cc1e6239600172035c68fbd6d4b9f8da0576e":
		return "deepseek-coder"
	case "1ff7f41064896984db5d1bb6ff64fa4bc29007d08c1b439e505b7392777a319e":
		return "qwen2"
	case "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855":
		// no split pre-tokenizers
		return "default"
	default:
		log.Warn().Str("digest", digest).Msg("unknown pretokenizer, using default")
		return "default"
	}
}

func parseTokenizerConfig(fsys fs.FS, t *Tokenizer, addedTokens map[string]addedToken) error {
	b, err := fs.ReadFile(fsys, "tokenizer_config.json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var p map[string]jsoniter.RawMessage
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("parsing tokenizer_config.json: %w", err)
	}

	if template, ok := p["chat_template"]; ok {
		var named []struct {
			Name     string `json:"name"`
			Template string `json:"template"`
		}
		if err := json.Unmarshal(template, &t.Template); err == nil {
			// plain string template
		} else if err := json.Unmarshal(template, &named); err == nil {
			for _, e := range named {
				if e.Name == "default" {
					t.Template = e.Template
					break
				}
			}
		} else {
			return fmt.Errorf("invalid chat_template: %w", err)
		}
	}

	for _, st := range SpecialTokenTypes {
		sv := SpecialVocabulary{Type: st}
		if bts, ok := p[fmt.Sprintf("add_%s_token", st)]; ok {
			if err := json.Unmarshal(bts, &sv.AddToken); err != nil {
				return err
			}
		}

		if bts, ok := p[fmt.Sprintf("%s_token", st)]; ok {
			var content string
			if err := json.Unmarshal(bts, &content); err != nil {
				var mm map[string]any
				if err := json.Unmarshal(bts, &mm); err != nil {
					continue
				}
				content, ok = mm["content"].(string)
				if !ok {
					continue
				}
			}
			sv.Content = content
		}

		if id, ok := addedTokens[sv.Content]; ok && sv.Content != "" {
			sv.ID = id.ID
			t.SpecialVocabulary = append(t.SpecialVocabulary, &sv)
		}
	}
	return nil
}

func parseGenerationConfig(fsys fs.FS, t *Tokenizer) error {
	b, err := fs.ReadFile(fsys, "generation_config.json")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}

	var p map[string]jsoniter.RawMessage
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("parsing generation_config.json: %w", err)
	}

	for _, st := range SpecialTokenTypes {
		bts, ok := p[fmt.Sprintf("%s_token_id", st)]
		if !ok {
			continue
		}
		var ids []int32
		if err := json.Unmarshal(bts, &ids); err != nil {
			// value is not a list so the existing ID is used
			continue
		}
		if i := slices.IndexFunc(t.SpecialVocabulary, func(sv *SpecialVocabulary) bool {
			return sv.Type == st
		}); i >= 0 {
			t.SpecialVocabulary[i].IDs = ids
		}
	}
	return nil
}

// VocabularyMap returns the token to id mapping, including added tokens. Padding for ids
// missing from the vocabulary is left out.
func (t *Tokenizer) VocabularyMap() map[string]int {
	vocab := make(map[string]int, len(t.Tokens))
	for id, tok := range t.Tokens {
		if id < len(t.Types) && t.Types[id] == TokenTypeUnused {
			continue
		}
		vocab[tok] = id
	}
	return vocab
}
