package distill

import (
	"fmt"
	"io"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/rankdistill/distrib"
	"github.com/gomlx/rankdistill/rankloss"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

const (
	// DefaultAccumSteps is how many batches gradients accumulate over
	// before an optimizer step.
	DefaultAccumSteps = 2

	// DefaultClipNorm is the default maximum global gradient norm.
	DefaultClipNorm = 1.0

	// DefaultWindowSize is how many recent loss values the reported rolling
	// average covers.
	DefaultWindowSize = 100
)

// Config assembles a Trainer. Backend, Context, Score and GroupSize are
// required; zero values elsewhere select the defaults described per field.
type Config struct {
	Backend backends.Backend
	Context *context.Context

	// Score builds the model graph scoring encoded prompt rows.
	Score ScoreFn

	// GroupSize is the number of passages per example; the flattened rows
	// of every batch are a multiple of it.
	GroupSize int

	// Loss ranks a score matrix against the target decay. Nil selects the
	// registry default.
	Loss rankloss.Loss

	// Optimizer applies the accumulated gradients. Nil selects AdamW with
	// the context's hyperparameters.
	Optimizer optimizers.Interface

	// Comm is the worker group for data-parallel training. Nil means
	// single worker.
	Comm distrib.Comm

	// AccumSteps is the number of batches per optimizer step; 0 selects
	// DefaultAccumSteps, 1 disables accumulation.
	AccumSteps int

	// ClipNorm is the maximum global gradient norm; 0 selects
	// DefaultClipNorm, negative disables clipping.
	ClipNorm float64

	// WindowSize is the rolling loss window length; 0 selects
	// DefaultWindowSize.
	WindowSize int

	// Saver, if set, persists the model at every epoch end.
	Saver Saver

	// Progress enables a progress bar on stderr.
	Progress bool
}

// Trainer runs the distillation training loop.
type Trainer struct {
	cfg     Config
	trainer *train.Trainer
	scores  *context.Exec
	window  *lossWindow
}

// New validates the configuration and builds the Trainer. Variables are
// created lazily on the first training step.
func New(cfg Config) (*Trainer, error) {
	if cfg.Backend == nil || cfg.Context == nil {
		return nil, errors.New("distill: Backend and Context are required")
	}
	if cfg.Score == nil {
		return nil, errors.New("distill: a Score function is required")
	}
	if cfg.GroupSize <= 0 {
		return nil, errors.Errorf("distill: GroupSize must be positive, got %d", cfg.GroupSize)
	}
	if cfg.Comm == nil {
		cfg.Comm = distrib.Single()
	}
	if cfg.Loss == nil {
		var err error
		cfg.Loss, err = rankloss.ByName(rankloss.DefaultLoss)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Optimizer == nil {
		cfg.Optimizer = optimizers.FromContext(cfg.Context)
	}
	if cfg.AccumSteps == 0 {
		cfg.AccumSteps = DefaultAccumSteps
	}
	if cfg.ClipNorm == 0 {
		cfg.ClipNorm = DefaultClipNorm
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}

	t := &Trainer{cfg: cfg, window: newLossWindow(cfg.WindowSize)}
	optimizer := cfg.Optimizer
	if cfg.ClipNorm > 0 {
		optimizer = ClipGlobalNorm(optimizer, cfg.ClipNorm)
	}
	t.trainer = train.NewTrainer(cfg.Backend, cfg.Context, t.modelGraph, t.lossGraph, optimizer, nil, nil)
	if cfg.AccumSteps > 1 {
		if err := t.trainer.AccumulateGradients(cfg.AccumSteps); err != nil {
			return nil, err
		}
	}
	t.scores = context.MustNewExec(cfg.Backend, cfg.Context,
		func(ctx *context.Context, tokenIDs, mask, decoderIDs *Node) *Node {
			return cfg.Score(ctx, tokenIDs.Graph(), []*Node{tokenIDs, mask, decoderIDs})
		})
	return t, nil
}

// RollingLoss is the mean of the most recent reported loss values, averaged
// across workers, covering at most WindowSize batches.
func (t *Trainer) RollingLoss() float64 { return t.window.Mean() }

// modelGraph scores this worker's shard and splices the scores into the
// full batch: peer scores arrive as plain inputs, so gradients flow only
// through the local rows. Inputs are the three local encoder tensors
// followed by the peer score blocks before and after this worker's rows.
func (t *Trainer) modelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	local := t.cfg.Score(ctx, inputs[0].Graph(), inputs[:3])
	before, after := inputs[3], inputs[4]
	parts := make([]*Node, 0, 3)
	if before.Shape().Dimensions[0] > 0 {
		parts = append(parts, before)
	}
	parts = append(parts, local)
	if after.Shape().Dimensions[0] > 0 {
		parts = append(parts, after)
	}
	full := parts[0]
	if len(parts) > 1 {
		full = Concatenate(parts, 0)
	}
	rows := full.Shape().Dimensions[0]
	if rows%t.cfg.GroupSize != 0 {
		exceptions.Panicf("batch of %d scored rows is not a multiple of the group size %d", rows, t.cfg.GroupSize)
	}
	return []*Node{Reshape(full, rows/t.cfg.GroupSize, t.cfg.GroupSize)}
}

// lossGraph derives the target decay from the predicted score matrix shape
// and applies the configured ranking loss. There are no label tensors; the
// target is implied by the group ordering.
func (t *Trainer) lossGraph(labels, predictions []*Node) *Node {
	predicted := predictions[0]
	dims := predicted.Shape().Dimensions
	target := rankloss.DecayTarget(predicted.Graph(), predicted.DType(), dims[0], dims[1])
	return t.cfg.Loss(target, predicted)
}

// Train runs the full training: epochs over the dataset, with a barrier
// across workers at every epoch boundary and a model save after each
// epoch. The dataset must yield identical batch structure on every worker.
func (t *Trainer) Train(ds train.Dataset, epochs int) error {
	if epochs <= 0 {
		return errors.Errorf("distill: number of epochs must be positive, got %d", epochs)
	}
	var err error
	caught := exceptions.TryCatch[error](func() {
		err = t.run(ds, epochs)
	})
	if caught != nil {
		return errors.WithMessagef(caught, "training failed")
	}
	return err
}

func (t *Trainer) run(ds train.Dataset, epochs int) error {
	comm := t.cfg.Comm
	for epoch := 0; epoch < epochs; epoch++ {
		if err := comm.Barrier(); err != nil {
			return errors.WithMessagef(err, "barrier before epoch %d", epoch)
		}
		ds.Reset()
		bar := t.newProgressBar(ds, epoch, epochs)
		for {
			spec, inputs, _, err := ds.Yield()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.WithMessagef(err, "reading batch in epoch %d", epoch)
			}
			loss, err := t.step(spec, inputs)
			if err != nil {
				return errors.WithMessagef(err, "training step in epoch %d", epoch)
			}
			meanLoss, err := comm.AllReduceMean(loss)
			if err != nil {
				return errors.WithMessagef(err, "averaging loss in epoch %d", epoch)
			}
			t.window.Add(meanLoss)
			if bar != nil {
				_ = bar.Add(1)
				bar.Describe(fmt.Sprintf("epoch %d/%d loss=%.4f", epoch+1, epochs, t.window.Mean()))
			}
		}
		if bar != nil {
			_ = bar.Finish()
		}
		if err := comm.Barrier(); err != nil {
			return errors.WithMessagef(err, "barrier after epoch %d", epoch)
		}
		if t.cfg.Saver != nil {
			if err := t.cfg.Saver.Save(epoch); err != nil {
				return errors.WithMessagef(err, "saving model after epoch %d", epoch)
			}
		}
		klog.V(1).Infof("epoch %d done, rolling loss %.5f", epoch, t.window.Mean())
	}
	return nil
}

// step trains on one batch: score the local shard, exchange scores with the
// other workers and run the differentiable step over the full batch.
func (t *Trainer) step(spec any, inputs []*tensors.Tensor) (float64, error) {
	if len(inputs) != 3 {
		return 0, errors.Errorf("expected 3 input tensors (ids, mask, decoder seed), got %d", len(inputs))
	}
	comm := t.cfg.Comm
	rows := inputs[0].Shape().Dimensions[0]
	if rows%t.cfg.GroupSize != 0 {
		return 0, errors.Errorf("batch of %d rows is not a multiple of the group size %d", rows, t.cfg.GroupSize)
	}
	numExamples := rows / t.cfg.GroupSize
	if numExamples < comm.WorldSize() {
		return 0, errors.Errorf("batch of %d examples cannot be sharded over %d workers",
			numExamples, comm.WorldSize())
	}

	// Example-aligned shard of the flattened rows.
	start, end := distrib.ShardRange(numExamples, comm.Rank(), comm.WorldSize())
	local := make([]*tensors.Tensor, len(inputs))
	for i, input := range inputs {
		local[i] = distrib.SliceRows(input, start*t.cfg.GroupSize, end*t.cfg.GroupSize)
	}

	// Exchange scores so every worker sees the full batch. The worker's own
	// rows are recomputed differentiably inside the training graph; only
	// the peer blocks enter as constants.
	localScores := t.scores.MustExec(local[0], local[1], local[2])[0]
	fullScores, err := distrib.Gather(comm, localScores, true)
	if err != nil {
		return 0, errors.WithMessagef(err, "gathering scores")
	}
	before := distrib.SliceRows(fullScores, 0, start*t.cfg.GroupSize)
	after := distrib.SliceRows(fullScores, end*t.cfg.GroupSize, rows)

	stepInputs := append(local, before, after)
	metrics, err := t.trainer.TrainStep(spec, stepInputs, nil)
	if err != nil {
		return 0, err
	}
	return scalarToFloat(metrics[0])
}

func scalarToFloat(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float scalar loss, got %s", t.Shape())
	}
}

func (t *Trainer) newProgressBar(ds train.Dataset, epoch, epochs int) *progressbar.ProgressBar {
	if !t.cfg.Progress || t.cfg.Comm.Rank() != 0 {
		return nil
	}
	numBatches := -1
	if sized, ok := ds.(interface{ NumBatches() int }); ok {
		numBatches = sized.NumBatches()
	}
	return progressbar.NewOptions(numBatches,
		progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, epochs)),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(30),
	)
}
