// Package rankloss implements listwise ranking losses for rank
// distillation, where a scorer is trained so that its per-passage scores
// order a passage group the same way a stronger ranker ordered it.
//
// Losses are pluggable: they all take a target score matrix and a predicted
// score matrix shaped [batchSize, groupSize] and return a scalar loss.
// DecayTarget builds the canonical target, giving the passage ranked at
// position i the score 1/(i+1).
package rankloss

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Loss computes a scalar loss from target and predicted scores, both shaped
// [batchSize, groupSize]. It panics (with an exception) on invalid shapes,
// like the graph ops it is built from.
type Loss func(target, predicted *Node) *Node

// DefaultLoss is the registry name used when no loss is selected.
const DefaultLoss = "rank_net"

// knownLosses maps registry names to implementations. Modified by Register.
var knownLosses = map[string]Loss{
	"rank_net":       RankNet,
	"list_net":       ListNet,
	"list_mle":       ListMLE,
	"pointwise_rmse": PointwiseRMSE,
}

// Register adds (or replaces) a loss under the given name, making it
// selectable by ByName.
func Register(name string, loss Loss) {
	knownLosses[name] = loss
}

// ByName returns the registered loss with the given name. An empty name
// selects DefaultLoss.
func ByName(name string) (Loss, error) {
	if name == "" {
		name = DefaultLoss
	}
	loss, ok := knownLosses[name]
	if !ok {
		return nil, errors.Errorf("unknown ranking loss %q, available losses are %v", name, Names())
	}
	return loss, nil
}

// Names lists the registered loss names, sorted.
func Names() []string {
	names := make([]string, 0, len(knownLosses))
	for name := range knownLosses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecayTarget returns the target score matrix shaped
// [batchSize, groupSize]: every row is [1, 1/2, 1/3, ...], the reciprocal
// of the 1-based position, so earlier positions carry larger target scores.
func DecayTarget(g *Graph, dtype dtypes.DType, batchSize, groupSize int) *Node {
	positions := Iota(g, shapes.Make(dtype, batchSize, groupSize), 1)
	return Inverse(OnePlus(positions))
}

// checkScores validates a (target, predicted) pair shaped
// [batchSize, groupSize].
func checkScores(target, predicted *Node) {
	if target.Rank() != 2 || predicted.Rank() != 2 {
		exceptions.Panicf("ranking losses require [batchSize, groupSize] scores, got target %s and predicted %s",
			target.Shape(), predicted.Shape())
	}
	if !target.Shape().Equal(predicted.Shape()) {
		exceptions.Panicf("target and predicted scores must have the same shape, got %s and %s",
			target.Shape(), predicted.Shape())
	}
}
