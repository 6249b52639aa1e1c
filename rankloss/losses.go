package rankloss

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// RankNet is the pairwise logistic loss: for every ordered pair of passages
// whose target scores say the first should rank higher, it pays
// softplus(-(predicted_i - predicted_j)), the binary cross-entropy of
// classifying the pair's order from the predicted score difference. The
// result is the mean over all such pairs of the batch.
func RankNet(target, predicted *Node) *Node {
	checkScores(target, predicted)
	// [batchSize, groupSize, groupSize] matrices of pairwise differences.
	predDiff := Sub(InsertAxes(predicted, -1), InsertAxes(predicted, 1))
	targetDiff := Sub(InsertAxes(target, -1), InsertAxes(target, 1))
	pairMask := ConvertDType(GreaterThan(targetDiff, ZerosLike(targetDiff)), target.DType())
	pairLoss := Softplus(Neg(predDiff))
	numPairs := ReduceAllSum(pairMask)
	// Guard against a batch with no ordered pairs (all targets equal).
	numPairs = Max(numPairs, OnesLike(numPairs))
	return Div(ReduceAllSum(Mul(pairLoss, pairMask)), numPairs)
}

// ListNet is the listwise cross-entropy: both score rows are turned into
// distributions over the group with a softmax, and the loss is the mean
// cross-entropy between the target and predicted distributions.
func ListNet(target, predicted *Node) *Node {
	checkScores(target, predicted)
	targetDist := Softmax(target, -1)
	predLogDist := LogSoftmax(predicted, -1)
	return Neg(ReduceAllMean(ReduceSum(Mul(targetDist, predLogDist), -1)))
}

// ListMLE is the likelihood of the target order under the Plackett-Luce
// model: the probability of drawing the passages one by one in target
// order, each draw a softmax over the passages not yet drawn. Rows must be
// sorted by decreasing target score, which is how the training pipeline
// produces them. The returned loss is the mean over the batch of the
// negative log-likelihood.
func ListMLE(target, predicted *Node) *Node {
	checkScores(target, predicted)
	// log(sum_{j>=i} exp(predicted_j)) for every position i, computed as a
	// reverse cumulative sum in a max-shifted space for stability.
	rowMax := ReduceAndKeep(predicted, ReduceMax, -1)
	shifted := Exp(Sub(predicted, rowMax))
	suffixSum := Reverse(CumSum(Reverse(shifted, -1), -1), -1)
	logSuffix := Add(Log(suffixSum), rowMax)
	negLogLikelihood := ReduceSum(Sub(logSuffix, predicted), -1)
	return ReduceAllMean(negLogLikelihood)
}

// PointwiseRMSE regresses the predicted scores directly onto the target
// scores, returning the root of the mean squared error over all entries.
func PointwiseRMSE(target, predicted *Node) *Node {
	checkScores(target, predicted)
	return Sqrt(ReduceAllMean(Square(Sub(predicted, target))))
}
