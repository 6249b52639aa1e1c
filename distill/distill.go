// Package distill trains a passage scorer by listwise rank distillation:
// each training batch is a set of passage groups already ordered by a
// stronger ranker, the scorer assigns every passage a relevance score, and
// a ranking loss pulls the scorer's ordering towards the given one.
//
// Training is data parallel. Each worker scores its shard of the batch,
// the per-passage scores are exchanged through a collective gather, and
// every worker computes the loss over the full batch; gradients flow
// through the worker's own shard only, with cross-worker gradient
// synchronization left to the surrounding orchestration, as with the usual
// distributed data-parallel wrappers.
package distill

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// ScoreFn builds the graph that scores a shard of encoded prompts. The
// inputs are the encoder's tensors: token ids and attention mask shaped
// [rows, seqLen] and the decoder seed shaped [rows, 1]. It must return one
// scalar relevance score per row, shaped [rows].
type ScoreFn func(ctx *context.Context, g *Graph, inputs []*Node) *Node

// Saver persists the model (and whatever goes with it, like tokenizer
// configuration) at the end of each epoch, keyed by the 0-based epoch
// number.
type Saver interface {
	Save(epoch int) error
}

// YesTokenScore extracts the relevance score from a language model head:
// the logit of the answer token at the last decoding step. logits must be
// shaped [rows, steps, vocabSize]; the result is shaped [rows].
func YesTokenScore(logits *Node, tokenID int) *Node {
	if logits.Rank() != 3 {
		exceptions.Panicf("expected logits shaped [rows, steps, vocabSize], got %s", logits.Shape())
	}
	dims := logits.Shape().Dimensions
	if tokenID < 0 || tokenID >= dims[2] {
		exceptions.Panicf("token id %d outside the model's vocabulary of size %d", tokenID, dims[2])
	}
	scores := Slice(logits, AxisRange(), AxisElem(dims[1]-1), AxisElem(tokenID))
	return Reshape(scores, dims[0])
}
