package distill

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/rankdistill/distrib"
	"github.com/gomlx/rankdistill/rerank"
	"github.com/stretchr/testify/require"
)

// charTokenizer maps every byte to a token id, keeping tests free of a real
// vocabulary.
type charTokenizer struct{}

func (charTokenizer) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int(b))
	}
	return ids
}

// linearScorer scores each row as a trainable weight times the mean token
// id, a minimal differentiable stand-in for a language model head.
func linearScorer(ctx *context.Context, g *Graph, inputs []*Node) *Node {
	w := ctx.In("scorer").VariableWithValue("w", float32(1))
	ids := ConvertDType(inputs[0], dtypes.Float32)
	return Mul(ReduceMean(ids, -1), w.ValueGraph(g))
}

func scorerWeight(t *testing.T, ctx *context.Context) float32 {
	t.Helper()
	v := ctx.GetVariableByScopeAndName("/scorer", "w")
	require.NotNil(t, v)
	return v.MustValue().Value().(float32)
}

func testExamples(n int) []rerank.Example {
	examples := make([]rerank.Example, n)
	for i := range examples {
		var passages []rerank.Passage
		for j := 0; j < 4; j++ {
			passages = append(passages, rerank.Passage{
				DocID: fmt.Sprintf("d%d-%d", i, j),
				Text:  strings.Repeat("x", j+1) + fmt.Sprintf(" passage %d of example %d", j, i),
			})
		}
		examples[i] = rerank.Example{
			Query:             fmt.Sprintf("query %d", i),
			RetrievedPassages: passages,
		}
	}
	return examples
}

func testDataset(examples []rerank.Example, batchSize int) *rerank.Dataset {
	return &rerank.Dataset{
		DatasetName: "test",
		Examples:    examples,
		Sampler:     &rerank.Sampler{GroupSize: 4},
		Encoder:     &rerank.Encoder{Tokenizer: charTokenizer{}},
		BatchSize:   batchSize,
	}
}

type recordingSaver struct {
	mu     sync.Mutex
	epochs []int
}

func (s *recordingSaver) Save(epoch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs = append(s.epochs, epoch)
	return nil
}

func TestTrainerSingleWorker(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	saver := &recordingSaver{}
	trainer, err := New(Config{
		Backend:    backend,
		Context:    ctx,
		Score:      linearScorer,
		GroupSize:  4,
		Optimizer:  optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.01).Done(),
		AccumSteps: 1,
		Saver:      saver,
	})
	require.NoError(t, err)

	ds := testDataset(testExamples(2), 2)
	require.NoError(t, trainer.Train(ds, 2))

	// One save per epoch, in order.
	require.Equal(t, []int{0, 1}, saver.epochs)

	loss := trainer.RollingLoss()
	require.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
	require.Greater(t, loss, 0.0)

	// The optimizer stepped the scorer's weight.
	require.NotEqual(t, float32(1), scorerWeight(t, ctx))
}

func TestTrainerGradientAccumulation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	trainer, err := New(Config{
		Backend:    backend,
		Context:    ctx,
		Score:      linearScorer,
		GroupSize:  4,
		Optimizer:  optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.01).Done(),
		AccumSteps: 2,
	})
	require.NoError(t, err)

	// 4 examples in batches of 1: two optimizer steps per epoch.
	ds := testDataset(testExamples(4), 1)
	require.NoError(t, trainer.Train(ds, 1))
	require.NotEqual(t, float32(1), scorerWeight(t, ctx))
}

func TestTrainerDataParallel(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	examples := testExamples(4)
	comms := distrib.NewGroup(2)

	losses := make([]float64, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			trainer, err := New(Config{
				Backend:    backend,
				Context:    context.New(),
				Score:      linearScorer,
				GroupSize:  4,
				Optimizer:  optimizers.StochasticGradientDescent().WithDecay(false).WithLearningRate(0.01).Done(),
				AccumSteps: 1,
				Comm:       comms[rank],
			})
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = trainer.Train(testDataset(examples, 2), 1)
			losses[rank] = trainer.RollingLoss()
		}(rank)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	// The reported loss is averaged across workers, so both see the same.
	require.Equal(t, losses[0], losses[1])
	require.Greater(t, losses[0], 0.0)
}

func TestTrainerRejectsTinyBatches(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	comms := distrib.NewGroup(3)
	// 2 examples over 3 workers cannot shard at example granularity.
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for rank := 0; rank < 3; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			trainer, err := New(Config{
				Backend:    backend,
				Context:    context.New(),
				Score:      linearScorer,
				GroupSize:  4,
				AccumSteps: 1,
				Comm:       comms[rank],
			})
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = trainer.Train(testDataset(testExamples(2), 2), 1)
		}(rank)
	}
	wg.Wait()
	for rank := 0; rank < 3; rank++ {
		require.ErrorContains(t, errs[rank], "cannot be sharded")
	}
}

func TestYesTokenScore(t *testing.T) {
	graphtest.RunTestGraphFn(t, t.Name(),
		func(g *Graph) (inputs, outputs []*Node) {
			// Rows of distinct logits over 3 decoding steps and 5 tokens.
			logits := IotaFull(g, shapes.Make(dtypes.Float32, 2, 3, 5))
			outputs = []*Node{YesTokenScore(logits, 4)}
			return
		}, []any{[]float32{14, 29}}, -1)
}
