package rerank

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func passagesWithIDs(ids ...string) []Passage {
	passages := make([]Passage, len(ids))
	for i, id := range ids {
		passages[i] = Passage{DocID: id, Text: "passage " + id}
	}
	return passages
}

func docIDs(passages []Passage) []string {
	ids := make([]string, len(passages))
	for i, p := range passages {
		ids[i] = p.DocID
	}
	return ids
}

func TestParsePermutation(t *testing.T) {
	// Clean response listing every identifier.
	require.Equal(t, []int{2, 0, 3, 1}, ParsePermutation("3 > 1 > 4 > 2", 4))

	// Prose around the identifiers is ignored.
	require.Equal(t, []int{1, 0, 2},
		ParsePermutation("The ranking is: [2] then [1], finally [3].", 3))

	// Duplicates keep their first occurrence, out-of-range numbers are
	// dropped, and unmentioned identifiers come last in original order.
	require.Equal(t, []int{1, 0, 2, 3}, ParsePermutation("2 > 2 > 99 > 1", 4))

	// A response with no usable identifiers yields the identity order.
	require.Equal(t, []int{0, 1, 2}, ParsePermutation("no preference either way", 3))
	require.Equal(t, []int{0, 1, 2}, ParsePermutation("", 3))
}

func TestReconcile(t *testing.T) {
	ex := Example{
		Query:             "what is a quorum",
		RetrievedPassages: passagesWithIDs("a", "b", "c", "d"),
	}
	Reconcile(&ex, "4 > 2 > 1 > 3")
	require.Equal(t, []string{"d", "b", "a", "c"}, docIDs(ex.RetrievedPassages))

	// An identity response leaves the order unchanged.
	ex.RetrievedPassages = passagesWithIDs("a", "b", "c", "d")
	Reconcile(&ex, "1 2 3 4")
	require.Equal(t, []string{"a", "b", "c", "d"}, docIDs(ex.RetrievedPassages))

	// Only in-range, first-occurrence identifiers move passages: here only
	// "1" is usable, so nothing changes.
	ex.RetrievedPassages = passagesWithIDs("a", "b", "c")
	Reconcile(&ex, "5 1 1 99")
	require.Equal(t, []string{"a", "b", "c"}, docIDs(ex.RetrievedPassages))
}

func TestReconcileAll(t *testing.T) {
	examples := []Example{
		{RetrievedPassages: passagesWithIDs("a", "b")},
		{RetrievedPassages: passagesWithIDs("c", "d")},
	}
	require.NoError(t, ReconcileAll(examples, []string{"2 > 1", "1 > 2"}))
	require.Equal(t, []string{"b", "a"}, docIDs(examples[0].RetrievedPassages))
	require.Equal(t, []string{"c", "d"}, docIDs(examples[1].RetrievedPassages))

	// Misaligned files are an error, never silently dropped.
	err := ReconcileAll(examples, []string{"1 > 2"})
	require.ErrorContains(t, err, "misaligned")
}
