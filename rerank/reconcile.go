package rerank

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Reconcile turns a free-text ranking response into a total, duplicate-free
// permutation of [0, numPassages) and reorders the example's retrieved
// passages accordingly. Positive passages are left untouched.
//
// The response is expected to list 1-based passage identifiers in preference
// order, but it may be noisy: it can contain extra prose, repeated
// identifiers or out-of-range numbers. Every non-digit byte is treated as a
// separator, only the first occurrence of each valid identifier is kept, and
// identifiers never mentioned are appended in their original order. A
// response with no usable identifiers therefore yields the identity order.
func Reconcile(ex *Example, response string) {
	perm := ParsePermutation(response, len(ex.RetrievedPassages))
	reordered := make([]Passage, len(ex.RetrievedPassages))
	for i, p := range perm {
		reordered[i] = ex.RetrievedPassages[p]
	}
	ex.RetrievedPassages = reordered
}

// ReconcileAll applies Reconcile pairing examples with responses by
// position. A count mismatch means the data and permutation files come from
// different pipeline runs and is an error.
func ReconcileAll(examples []Example, responses []string) error {
	if len(examples) != len(responses) {
		return errors.Errorf("got %d examples but %d permutation responses, the files are misaligned",
			len(examples), len(responses))
	}
	for i := range examples {
		Reconcile(&examples[i], responses[i])
	}
	return nil
}

// ParsePermutation extracts a permutation of [0, n) from a free-text
// response listing 1-based identifiers.
func ParsePermutation(response string, n int) []int {
	cleaned := []byte(response)
	for i, c := range cleaned {
		if c < '0' || c > '9' {
			cleaned[i] = ' '
		}
	}
	perm := make([]int, 0, n)
	seen := make(map[int]bool, n)
	for _, field := range strings.Fields(string(cleaned)) {
		value, err := strconv.Atoi(field)
		if err != nil {
			// Digit runs longer than an int are not valid identifiers.
			continue
		}
		idx := value - 1
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		perm = append(perm, idx)
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			perm = append(perm, i)
		}
	}
	return perm
}
