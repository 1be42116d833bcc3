package generic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-engine/generic"
)

func child(id string, status generic.Status, success, failure int64) generic.ChildSnapshot {
	return generic.ChildSnapshot{
		ID:            generic.SubtaskID(id),
		Status:        status,
		SuccessPoints: success,
		FailurePoints: failure,
	}
}

func TestResolveCascade(t *testing.T) {
	children := []generic.ChildSnapshot{
		child("c", generic.StatusCompleted, 9, 9),
		child("b", generic.StatusPending, 2, 1),
		child("a", generic.StatusInProgress, 3, 1),
		child("d", generic.StatusFailed, 9, 9),
		child("e", generic.StatusExpired, 9, 9),
	}

	tests := []struct {
		name   string
		target generic.Status
		want   []generic.ChildEffect
	}{
		{
			name:   "completed selects only in-progress children",
			target: generic.StatusCompleted,
			want: []generic.ChildEffect{
				{SubtaskID: "a", Target: generic.StatusCompleted, Delta: 3},
			},
		},
		{
			name:   "failed selects every open child",
			target: generic.StatusFailed,
			want: []generic.ChildEffect{
				{SubtaskID: "a", Target: generic.StatusFailed, Delta: -1},
				{SubtaskID: "b", Target: generic.StatusFailed, Delta: -1},
			},
		},
		{
			name:   "expired selects every open child",
			target: generic.StatusExpired,
			want: []generic.ChildEffect{
				{SubtaskID: "a", Target: generic.StatusExpired, Delta: -1},
				{SubtaskID: "b", Target: generic.StatusExpired, Delta: -1},
			},
		},
		{
			name:   "pending cascades nothing",
			target: generic.StatusPending,
			want:   nil,
		},
		{
			name:   "in-progress cascades nothing",
			target: generic.StatusInProgress,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := generic.ResolveCascade(tt.target, children)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveCascade_DoesNotReorderInput(t *testing.T) {
	children := []generic.ChildSnapshot{
		child("z", generic.StatusInProgress, 1, 1),
		child("y", generic.StatusInProgress, 1, 1),
	}

	effects, err := generic.ResolveCascade(generic.StatusCompleted, children)
	require.NoError(t, err)

	require.Len(t, effects, 2)
	assert.Equal(t, generic.SubtaskID("y"), effects[0].SubtaskID)
	assert.Equal(t, generic.SubtaskID("z"), children[0].ID)
}

func TestResolveCascade_NoChildren(t *testing.T) {
	effects, err := generic.ResolveCascade(generic.StatusFailed, nil)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestResolveCascade_UnknownTarget(t *testing.T) {
	_, err := generic.ResolveCascade(generic.Status("archived"), nil)
	require.Error(t, err)
	assert.True(t, generic.IsValidation(err))
}

func TestLedgerDelta(t *testing.T) {
	tests := []struct {
		target generic.Status
		want   int64
	}{
		{generic.StatusCompleted, 10},
		{generic.StatusFailed, -5},
		{generic.StatusExpired, -5},
		{generic.StatusPending, 0},
		{generic.StatusInProgress, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.target), func(t *testing.T) {
			got, err := generic.LedgerDelta(tt.target, 10, 5)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range generic.AllStatuses {
		got, err := generic.ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := generic.ParseStatus("done")
	require.Error(t, err)
	assert.True(t, generic.IsValidation(err))
}
