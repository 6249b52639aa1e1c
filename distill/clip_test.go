package distill

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// applyOneStep runs one optimizer update on a model whose loss is 10*w, so
// the raw gradient w.r.t. w is always 10.
func applyOneStep(t *testing.T, optimizer optimizers.Interface) float32 {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := ctx.In("model").VariableWithValue("w", float32(0))
		loss := MulScalar(w.ValueGraph(g), 10)
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})
	v := ctx.GetVariableByScopeAndName("/model", "w")
	require.NotNil(t, v)
	return v.MustValue().Value().(float32)
}

func TestClipGlobalNorm(t *testing.T) {
	sgd := func() optimizers.Interface {
		return optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.1).Done()
	}

	// Gradient 10 clipped to norm 1, then one SGD step of -0.1*1.
	w := applyOneStep(t, ClipGlobalNorm(sgd(), 1.0))
	require.InDelta(t, -0.1, w, 1e-6)

	// A generous bound leaves the gradient untouched: step is -0.1*10.
	w = applyOneStep(t, ClipGlobalNorm(sgd(), 100.0))
	require.InDelta(t, -1.0, w, 1e-6)
}
