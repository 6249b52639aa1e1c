package distill

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// optimizerWithGradients is implemented by optimizers that can apply
// externally computed (e.g. accumulated) gradients.
type optimizerWithGradients interface {
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// ClipGlobalNorm wraps an optimizer so that gradients are rescaled to a
// maximum global L2 norm before every update: when the norm of all
// gradients taken together exceeds maxNorm, every gradient is scaled down
// by the same factor. The wrapped optimizer must support updates from
// explicit gradients, which the ones in the optimizers package do.
func ClipGlobalNorm(inner optimizers.Interface, maxNorm float64) optimizers.Interface {
	return &clippedOptimizer{inner: inner, maxNorm: maxNorm}
}

type clippedOptimizer struct {
	inner   optimizers.Interface
	maxNorm float64
}

func (o *clippedOptimizer) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss, got shape %s", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	o.UpdateGraphWithGradients(ctx, grads, loss.DType())
}

func (o *clippedOptimizer) UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType) {
	inner, ok := o.inner.(optimizerWithGradients)
	if !ok {
		exceptions.Panicf("optimizer %T cannot apply explicit gradients, required for global norm clipping", o.inner)
	}
	inner.UpdateGraphWithGradients(ctx, clipByGlobalNorm(grads, o.maxNorm), lossDType)
}

func (o *clippedOptimizer) Clear(ctx *context.Context) error {
	return o.inner.Clear(ctx)
}

// clipByGlobalNorm returns the gradients scaled by
// min(1, maxNorm/globalNorm), where globalNorm is the L2 norm over all
// gradient entries. The norm is computed in float32 regardless of the
// gradients' dtypes.
func clipByGlobalNorm(grads []*Node, maxNorm float64) []*Node {
	if len(grads) == 0 || maxNorm <= 0 {
		return grads
	}
	g := grads[0].Graph()
	sumSquares := ScalarZero(g, dtypes.Float32)
	for _, grad := range grads {
		sumSquares = Add(sumSquares, ReduceAllSum(ConvertDType(Square(grad), dtypes.Float32)))
	}
	norm := Sqrt(sumSquares)
	// min(1, maxNorm/norm), with the max keeping the division away from 0.
	scale := Div(Scalar(g, dtypes.Float32, maxNorm), Max(norm, Scalar(g, dtypes.Float32, maxNorm)))
	clipped := make([]*Node, len(grads))
	for i, grad := range grads {
		clipped[i] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}
