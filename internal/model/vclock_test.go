package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/walrelay/internal/model"
)

func TestVClock_FollowOnlyAdvances(t *testing.T) {
	v := model.NewVClock()
	v.Follow(1, 5)
	assert.EqualValues(t, 5, v.Get(1))

	v.Follow(1, 3)
	assert.EqualValues(t, 5, v.Get(1), "a lower lsn must never move the component backward")

	v.Follow(1, 7)
	assert.EqualValues(t, 7, v.Get(1))
}

func TestVClock_FollowStrictRejectsNonAdvancing(t *testing.T) {
	v := model.NewVClock()
	require.NoError(t, v.FollowStrict(1, 1))
	require.NoError(t, v.FollowStrict(1, 2))

	err := v.FollowStrict(1, 2)
	assert.Error(t, err)
	assert.EqualValues(t, 2, v.Get(1))

	err = v.FollowStrict(1, 1)
	assert.Error(t, err)
}

func TestVClock_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b model.VClock
		want model.Order
	}{
		{"equal empty", model.NewVClock(), model.NewVClock(), model.OrderEqual},
		{
			"equal with components",
			model.VClock{1: 3, 2: 4},
			model.VClock{1: 3, 2: 4},
			model.OrderEqual,
		},
		{
			"strictly less",
			model.VClock{1: 1, 2: 2},
			model.VClock{1: 3, 2: 4},
			model.OrderLess,
		},
		{
			"strictly greater",
			model.VClock{1: 3, 2: 4},
			model.VClock{1: 1, 2: 2},
			model.OrderGreater,
		},
		{
			"concurrent",
			model.VClock{1: 5, 2: 1},
			model.VClock{1: 1, 2: 5},
			model.OrderUndefined,
		},
		{
			"b has an unseen instance",
			model.VClock{1: 3},
			model.VClock{1: 3, 2: 1},
			model.OrderLess,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestVClock_LessOrEqual(t *testing.T) {
	a := model.VClock{1: 2, 2: 3}
	b := model.VClock{1: 2, 2: 4, 3: 1}
	assert.True(t, a.LessOrEqual(b))
	assert.False(t, b.LessOrEqual(a))
}

func TestVClock_MergeTakesComponentwiseMax(t *testing.T) {
	a := model.VClock{1: 5, 2: 1}
	b := model.VClock{1: 2, 2: 9, 3: 4}

	merged := a.Merge(b)
	assert.EqualValues(t, 5, merged.Get(1))
	assert.EqualValues(t, 9, merged.Get(2))
	assert.EqualValues(t, 4, merged.Get(3))

	// originals are untouched
	assert.EqualValues(t, 5, a.Get(1))
	assert.EqualValues(t, 1, a.Get(2))
}

func TestVClock_CloneIsIndependent(t *testing.T) {
	a := model.VClock{1: 1}
	b := a.Clone()
	b.Follow(1, 2)
	assert.EqualValues(t, 1, a.Get(1))
	assert.EqualValues(t, 2, b.Get(1))
}

func TestVClock_SignatureIsSumOfComponents(t *testing.T) {
	v := model.VClock{1: 10, 2: 5, 3: 0}
	assert.EqualValues(t, 15, v.Signature())
	assert.EqualValues(t, 0, model.NewVClock().Signature())
}

func TestVClock_Inc(t *testing.T) {
	v := model.NewVClock()
	assert.EqualValues(t, 1, v.Inc(1))
	assert.EqualValues(t, 2, v.Inc(1))
	assert.EqualValues(t, 1, v.Inc(2))
}
