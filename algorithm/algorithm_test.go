package algorithm

import (
	"testing"

	"github.com/maxpert/cdcroute/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	boundary bool
}

func (v fakeView) EncounteredTransactionBoundary() bool { return v.boundary }
func (v fakeView) DataReadCount() int64                  { return 0 }
func (v fakeView) UncommittedDataEventCount() int64      { return 0 }

func batchWith(events int64) *model.OutgoingBatch {
	b := model.NewOutgoingBatch(1, "n1", "default")
	b.DataEventCount = events
	return b
}

func TestBuiltInPolicies(t *testing.T) {
	meta := model.DataMetadata{NodeChannel: &model.NodeChannel{ChannelID: "default", MaxBatchSize: 2}}

	tests := []struct {
		name     string
		algo     BatchAlgorithm
		events   int64
		boundary bool
		want     bool
	}{
		{"default under size", DefaultBatch{}, 1, true, false},
		{"default at size mid transaction", DefaultBatch{}, 2, false, false},
		{"default at size on boundary", DefaultBatch{}, 2, true, true},
		{"nontransactional at size", NonTransactionalBatch{}, 2, false, true},
		{"nontransactional under size", NonTransactionalBatch{}, 1, true, false},
		{"transactional on boundary", TransactionalBatch{}, 1, true, true},
		{"transactional mid transaction", TransactionalBatch{}, 5, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.algo.IsBatchComplete(batchWith(tc.events), meta, fakeView{boundary: tc.boundary})
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPoliciesWithoutChannel(t *testing.T) {
	view := fakeView{boundary: true}
	assert.False(t, DefaultBatch{}.IsBatchComplete(batchWith(100), model.DataMetadata{}, view))
	assert.False(t, NonTransactionalBatch{}.IsBatchComplete(batchWith(100), model.DataMetadata{}, view))
	assert.False(t, TransactionalBatch{}.IsBatchComplete(nil, model.DataMetadata{}, view))
}

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{Default, NonTransactional, Transactional}, r.Names())

	a, err := r.Resolve(Default)
	require.NoError(t, err)
	assert.IsType(t, DefaultBatch{}, a)

	_, err = r.Resolve("bogus")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	require.Error(t, r.Register("", DefaultBatch{}))
	require.Error(t, r.Register("nil", nil))

	everyTwo := Func(func(b *model.OutgoingBatch, _ model.DataMetadata, _ SessionView) bool {
		return b.DataEventCount >= 2
	})
	require.NoError(t, r.Register(Default, everyTwo))

	a, err := r.Resolve(Default)
	require.NoError(t, err)
	assert.True(t, a.IsBatchComplete(batchWith(2), model.DataMetadata{}, fakeView{}))

	// registries are independent
	a, err = DefaultRegistry().Resolve(Default)
	require.NoError(t, err)
	assert.IsType(t, DefaultBatch{}, a)
}
