// Package rerank holds the data model and data pipeline for listwise
// rank-distillation training: loading query/passage records and their
// model-produced permutation responses, reconciling the free-text responses
// into validated passage orders, sampling fixed-size passage groups into
// scoring prompts, and encoding prompt batches into token tensors.
package rerank

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Passage is one retrieved or positive passage of an example.
type Passage struct {
	DocID string `json:"docid"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
	Rank  int    `json:"rank,omitempty"`
}

// Example is one training record: a query, its ground-truth positive
// passages (possibly empty) and the externally ranked candidate pool.
type Example struct {
	Query             string    `json:"query"`
	QueryID           string    `json:"query_id"`
	PositivePassages  []Passage `json:"positive_passages"`
	RetrievedPassages []Passage `json:"retrieved_passages"`
}

// LoadExamples reads newline-delimited JSON records from the given path.
func LoadExamples(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open data file %q", path)
	}
	defer func() { _ = f.Close() }()

	var examples []Example
	scanner := bufio.NewScanner(f)
	// Passages can make individual records large.
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(line, &ex); err != nil {
			return nil, errors.Wrapf(err, "failed to parse record at %s:%d", path, lineNum)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading data file %q", path)
	}
	return examples, nil
}

// LoadPermutations reads the permutation file: a JSON array with one raw
// free-text ranking response per input record, matched to records by
// position.
func LoadPermutations(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read permutation file %q", path)
	}
	var responses []string
	if err := json.Unmarshal(data, &responses); err != nil {
		return nil, errors.Wrapf(err, "failed to parse permutation file %q", path)
	}
	return responses, nil
}
