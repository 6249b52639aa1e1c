// rankdistill fine-tunes an ONNX sequence-to-sequence scorer by listwise
// rank distillation: passage groups are reordered by a stronger ranker's
// free-text permutation responses, and the scorer is trained so its
// answer-token logits reproduce that ordering.
//
// Example:
//
//	rankdistill --model=unicamp-dl/mt5-base-mmarco-v2 \
//	    --data=train.jsonl --permutation=responses.json \
//	    --save_path=/tmp/distilled --loss=rank_net
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/gomlx/onnx-gomlx/onnx/parser"
	"github.com/gomlx/rankdistill/distill"
	"github.com/gomlx/rankdistill/rankloss"
	"github.com/gomlx/rankdistill/rerank"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagModel = flag.String("model", "", "HuggingFace repository with the ONNX model to fine-tune.")
	flagModelFile = flag.String("model_file", "model.onnx",
		"Name of the ONNX file inside the model repository.")
	flagData = flag.String("data", "", "Training data: newline-delimited JSON records.")
	flagPermutation = flag.String("permutation", "",
		"JSON array with one free-text ranking response per data record.")
	flagSavePath = flag.String("save_path", "", "Base directory for per-epoch checkpoints.")
	flagLoss     = flag.String("loss", rankloss.DefaultLoss,
		fmt.Sprintf("Ranking loss, one of %v.", rankloss.Names()))
	flagEpochs   = flag.Int("epochs", 3, "Number of training epochs.")
	flagTokenYes = flag.String("token_yes", "tak",
		"Vocabulary token whose logit is the relevance score.")
	flagPsgNum    = flag.Int("psg_num", 8, "Number of passages per training group.")
	flagBatchSize = flag.Int("batch_size", 16, "Examples per batch.")
	flagAccum     = flag.Int("accumulate", distill.DefaultAccumSteps,
		"Batches to accumulate gradients over before each optimizer step.")
	flagLearningRate = flag.Float64("learning_rate", 2e-5, "AdamW learning rate.")
	flagMaxTokens    = flag.Int("max_tokens", 2048, "Maximum tokens per prompt, longer prompts are truncated.")
	flagUsePositives = flag.Bool("use_positives", false,
		"Lead each group with the example's first positive passage instead of pure retrieval order.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	for name, value := range map[string]string{
		"model": *flagModel, "data": *flagData, "permutation": *flagPermutation, "save_path": *flagSavePath,
	} {
		if value == "" {
			klog.Exitf("Flag --%s is required, see --help.", name)
		}
	}

	loss, err := rankloss.ByName(*flagLoss)
	if err != nil {
		klog.Exitf("%v", err)
	}

	// Load and reconcile the training data.
	examples, err := rerank.LoadExamples(*flagData)
	if err != nil {
		klog.Fatalf("Failed to load training data: %+v", err)
	}
	responses, err := rerank.LoadPermutations(*flagPermutation)
	if err != nil {
		klog.Fatalf("Failed to load permutation responses: %+v", err)
	}
	if err := rerank.ReconcileAll(examples, responses); err != nil {
		klog.Fatalf("Failed to reconcile permutations: %+v", err)
	}
	fmt.Printf("Loaded %d examples from %s\n", len(examples), *flagData)

	// Download model and tokenizer.
	repo := hub.New(*flagModel).WithProgressBar(true)
	onnxPath, err := repo.DownloadFile(*flagModelFile)
	if err != nil {
		klog.Fatalf("Failed to download %q from %q: %+v", *flagModelFile, *flagModel, err)
	}
	tok, err := tokenizers.New(repo)
	if err != nil {
		klog.Fatalf("Failed to load tokenizer from %q: %+v", *flagModel, err)
	}
	model, err := parser.ParseFile(onnxPath)
	if err != nil {
		klog.Fatalf("Failed to parse ONNX model: %+v", err)
	}

	// Resolve the answer token: it must map to exactly one vocabulary id,
	// otherwise its logit is not a usable training signal.
	yesIDs := tok.Encode(*flagTokenYes)
	if len(yesIDs) != 1 {
		klog.Exitf("Token %q maps to %d vocabulary ids (%v), need exactly one.", *flagTokenYes, len(yesIDs), yesIDs)
	}
	yesID := yesIDs[0]
	padID, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		klog.Warningf("Tokenizer has no padding token, using id 0.")
		padID = 0
	}

	ctx := context.New()
	if err := model.VariablesToContext(ctx); err != nil {
		klog.Fatalf("Failed to import model weights: %+v", err)
	}

	backend := backends.MustNew()
	fmt.Printf("Backend: %s\n", backend.Name())
	if !strings.HasPrefix(backend.Name(), "xla") {
		klog.Warningf("No XLA backend available, training on the %s backend will be slow.", backend.Name())
	}

	score, err := scoreFn(model, yesID)
	if err != nil {
		klog.Exitf("%v", err)
	}

	ds := &rerank.Dataset{
		DatasetName: filepath.Base(*flagData),
		Examples:    examples,
		Sampler:     &rerank.Sampler{GroupSize: *flagPsgNum, UsePositives: *flagUsePositives},
		Encoder:     &rerank.Encoder{Tokenizer: tok, PadID: padID, MaxTokens: *flagMaxTokens},
		BatchSize:   *flagBatchSize,
	}

	trainer, err := distill.New(distill.Config{
		Backend:    backend,
		Context:    ctx,
		Score:      score,
		GroupSize:  *flagPsgNum,
		Loss:       loss,
		Optimizer:  optimizers.Adam().LearningRate(*flagLearningRate).WeightDecay(0.01).Done(),
		AccumSteps: *flagAccum,
		Saver:      &epochSaver{ctx: ctx, base: *flagSavePath, repo: repo},
		Progress:   true,
	})
	if err != nil {
		klog.Fatalf("Failed to build trainer: %+v", err)
	}
	if err := trainer.Train(ds, *flagEpochs); err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
	fmt.Printf("\nDone: %d epochs, rolling loss %.5f, checkpoints under %s\n",
		*flagEpochs, trainer.RollingLoss(), *flagSavePath)
}

// scoreFn builds the model's scoring graph function: run the ONNX graph on
// the encoded prompts and take the answer-token logit at the last decoding
// step as the relevance score.
func scoreFn(model onnx.Model, yesID int) (distill.ScoreFn, error) {
	inputNames, _ := model.Inputs()
	known := map[string]int{"input_ids": 0, "attention_mask": 1, "decoder_input_ids": 2}
	for _, name := range inputNames {
		if _, ok := known[name]; !ok {
			return nil, errors.Errorf("model input %q is not supported, expected a subset of %v",
				name, []string{"input_ids", "attention_mask", "decoder_input_ids"})
		}
	}
	return func(ctx *context.Context, g *Graph, inputs []*Node) *Node {
		feeds := make(map[string]*Node, len(inputNames))
		for _, name := range inputNames {
			feeds[name] = inputs[known[name]]
		}
		logits := model.CallGraph(ctx, g, feeds)[0]
		return distill.YesTokenScore(logits, yesID)
	}, nil
}

// epochSaver persists the model variables and the tokenizer definition
// under an epoch-indexed directory.
type epochSaver struct {
	ctx  *context.Context
	base string
	repo *hub.Repo
}

func (s *epochSaver) Save(epoch int) error {
	dir := filepath.Join(s.base, strconv.Itoa(epoch))
	checkpoint, err := checkpoints.Build(s.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "preparing checkpoint directory %q", dir)
	}
	if err := checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint to %q", dir)
	}
	// Ship the tokenizer along, so each epoch directory is self-contained.
	tokPath, err := s.repo.DownloadFile("tokenizer.json")
	if err != nil {
		klog.Warningf("Tokenizer not copied into %q: %v", dir, err)
		return nil
	}
	data, err := os.ReadFile(tokPath)
	if err != nil {
		return errors.Wrapf(err, "reading tokenizer %q", tokPath)
	}
	return errors.Wrapf(os.WriteFile(filepath.Join(dir, "tokenizer.json"), data, 0644),
		"writing tokenizer into %q", dir)
}
