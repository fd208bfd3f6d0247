package backends

import (
	"bytes"
	"errors"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte) (*GoTokenizer, error) {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return nil, tkErr
	}
	return &GoTokenizer{Tokenizer: tk}, nil
}

// Encode tokenizes input with special tokens added and returns the token ids.
func (g *GoTokenizer) Encode(input string) ([]int, error) {
	if g == nil || g.Tokenizer == nil {
		return nil, errors.New("go tokenizer is not loaded")
	}
	output, err := g.Tokenizer.EncodeSingle(input, true)
	if err != nil {
		return nil, err
	}
	return output.Ids, nil
}
