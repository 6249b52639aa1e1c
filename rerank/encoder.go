package rerank

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Tokenizer converts text to token ids. It is the only piece of the
// tokenizer API the encoder needs, so tests can plug in trivial fakes.
type Tokenizer interface {
	Encode(text string) []int
}

// Encoder turns a flat list of prompts into the model's input tensors:
// token ids and attention mask shaped [numPrompts, seqLen], plus a
// single-step decoder input of zeros shaped [numPrompts, 1] for
// encoder/decoder scorers.
//
// Sequences are truncated to MaxTokens and padded with PadID to the longest
// sequence of the batch, so seqLen varies per batch.
type Encoder struct {
	Tokenizer Tokenizer

	// PadID is the token id used to fill short sequences.
	PadID int

	// PadLeft pads at the front of the sequence instead of the back.
	PadLeft bool

	// MaxTokens truncates longer tokenizations. Zero means no limit.
	MaxTokens int
}

// EncodeBatch tokenizes, truncates and pads the prompts, returning the
// inputs in model order: token ids, attention mask, decoder input ids.
func (e *Encoder) EncodeBatch(prompts []string) []*tensors.Tensor {
	sequences := make([][]int, len(prompts))
	seqLen := 1 // Even an all-empty batch keeps a non-degenerate axis.
	for i, prompt := range prompts {
		seq := e.Tokenizer.Encode(prompt)
		if e.MaxTokens > 0 && len(seq) > e.MaxTokens {
			seq = seq[:e.MaxTokens]
		}
		sequences[i] = seq
		if len(seq) > seqLen {
			seqLen = len(seq)
		}
	}

	n := len(prompts)
	ids := make([]int64, n*seqLen)
	mask := make([]int64, n*seqLen)
	for i, seq := range sequences {
		row := ids[i*seqLen : (i+1)*seqLen]
		maskRow := mask[i*seqLen : (i+1)*seqLen]
		offset := 0
		if e.PadLeft {
			offset = seqLen - len(seq)
		}
		for j := range row {
			row[j] = int64(e.PadID)
		}
		for j, token := range seq {
			row[offset+j] = int64(token)
			maskRow[offset+j] = 1
		}
	}

	decoder := make([]int64, n)
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(ids, n, seqLen),
		tensors.FromFlatDataAndDimensions(mask, n, seqLen),
		tensors.FromFlatDataAndDimensions(decoder, n, 1),
	}
}
