package rerank

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// PaddingPassage is the sentinel text used to fill a passage group when
	// an example has fewer candidates than the group size.
	PaddingPassage = "<padding_passage>"

	// maxPassageWords caps how many whitespace-separated words of a passage
	// are kept in the prompt.
	maxPassageWords = 200
)

// promptTemplate is the relevance question presented to the scorer for each
// query/passage pair. The scorer's answer-token logit at the last position
// is the passage's relevance score.
const promptTemplate = "Predict whether the given passage answer the question.\n\n" +
	"Question: %s\n\nPassage: %s\n\nDoes the passage answer the question?"

// Sampler selects a fixed-size passage group per example and renders the
// group into scoring prompts.
type Sampler struct {
	// GroupSize is the number of passages sampled per example.
	GroupSize int

	// UsePositives selects supervised grouping: the group starts with the
	// example's first positive passage followed by retrieved passages whose
	// docid does not match any positive. When false the group is simply the
	// first GroupSize retrieved passages in their current order.
	UsePositives bool
}

// Group returns the example's passage group, padded with PaddingPassage
// entries up to GroupSize.
func (s *Sampler) Group(ex *Example) []Passage {
	group := make([]Passage, 0, s.GroupSize)
	if s.UsePositives {
		if len(ex.PositivePassages) > 0 {
			group = append(group, ex.PositivePassages[0])
		}
		positives := make(map[string]bool, len(ex.PositivePassages))
		for _, p := range ex.PositivePassages {
			positives[p.DocID] = true
		}
		for _, p := range ex.RetrievedPassages {
			if len(group) >= s.GroupSize {
				break
			}
			if positives[p.DocID] {
				continue
			}
			group = append(group, p)
		}
	} else {
		for _, p := range ex.RetrievedPassages {
			if len(group) >= s.GroupSize {
				break
			}
			group = append(group, p)
		}
	}
	for len(group) < s.GroupSize {
		group = append(group, Passage{Text: PaddingPassage})
	}
	return group
}

// Prompts renders the example's passage group into GroupSize scoring
// prompts, in group order.
func (s *Sampler) Prompts(ex *Example) []string {
	group := s.Group(ex)
	prompts := make([]string, len(group))
	for i, p := range group {
		prompts[i] = RenderPrompt(ex.Query, p.Text)
	}
	return prompts
}

// RenderPrompt formats the relevance question for one query/passage pair,
// truncating the passage to its first 200 words.
func RenderPrompt(query, passage string) string {
	words := strings.Fields(passage)
	if len(words) > maxPassageWords {
		words = words[:maxPassageWords]
	}
	return fmt.Sprintf(promptTemplate, query, strings.Join(words, " "))
}

// Dataset iterates over examples in order, yielding batches of encoded
// prompt groups. It implements the train.Dataset contract: Yield returns
// io.EOF once at the end of the data, and Reset rewinds for another epoch.
//
// Each yielded batch holds up to BatchSize examples; the final batch of an
// epoch may be smaller. The inputs are the encoder's tensors for the
// flattened prompt list, batchSize*GroupSize rows in example-major order.
type Dataset struct {
	// DatasetName is returned by Name, used for progress reporting.
	DatasetName string

	Examples  []Example
	Sampler   *Sampler
	Encoder   *Encoder
	BatchSize int

	next int
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.DatasetName }

// Reset implements train.Dataset, rewinding to the first example.
func (ds *Dataset) Reset() { ds.next = 0 }

// NumBatches returns how many batches one epoch yields.
func (ds *Dataset) NumBatches() int {
	return (len(ds.Examples) + ds.BatchSize - 1) / ds.BatchSize
}

// Yield implements train.Dataset. The spec value is the number of examples
// in the batch; labels are nil since the training target is derived from
// the passage order itself.
func (ds *Dataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.BatchSize <= 0 {
		return nil, nil, nil, errors.Errorf("dataset batch size must be positive, got %d", ds.BatchSize)
	}
	if ds.next >= len(ds.Examples) {
		return nil, nil, nil, io.EOF
	}
	end := ds.next + ds.BatchSize
	if end > len(ds.Examples) {
		end = len(ds.Examples)
	}
	batch := ds.Examples[ds.next:end]
	ds.next = end

	prompts := make([]string, 0, len(batch)*ds.Sampler.GroupSize)
	for i := range batch {
		prompts = append(prompts, ds.Sampler.Prompts(&batch[i])...)
	}
	inputs = ds.Encoder.EncodeBatch(prompts)
	return len(batch), inputs, nil, nil
}
