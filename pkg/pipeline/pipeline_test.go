package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/ethpandaops/rpz/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorder(calls *[]string, id string, err error) Func {
	return func(_ context.Context) error {
		*calls = append(*calls, id)
		return err
	}
}

func TestRunOrder(t *testing.T) {
	var calls []string

	p, err := New(testutil.NewLogger(),
		Stage{ID: "save", DependsOn: []string{"estimate"}, Run: recorder(&calls, "save", nil)},
		Stage{ID: "estimate", DependsOn: []string{"catalog", "inform"}, Run: recorder(&calls, "estimate", nil)},
		Stage{ID: "inform", DependsOn: []string{"catalog"}, Run: recorder(&calls, "inform", ErrSkip)},
		Stage{ID: "catalog", Run: recorder(&calls, "catalog", nil)},
	)
	require.NoError(t, err)

	results, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"catalog", "inform", "estimate", "save"}, calls)
	require.Len(t, results, 4)
	assert.Equal(t, StatusSkipped, results[1].Status)
	assert.Equal(t, StatusSuccess, results[3].Status)

	assert.Equal(t, []string{"catalog", "inform"}, p.GetDependencies("estimate"))
	assert.Equal(t, []string{"estimate", "inform", "save"}, p.GetAllDependents("catalog"))
}

func TestOrderBreaksTiesByID(t *testing.T) {
	noop := func(_ context.Context) error { return nil }

	p, err := New(testutil.NewLogger(),
		Stage{ID: "c", Run: noop},
		Stage{ID: "a", Run: noop},
		Stage{ID: "b", Run: noop},
	)
	require.NoError(t, err)

	order, err := p.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRunStopsAtFirstFailure(t *testing.T) {
	var calls []string
	boom := errors.New("boom")

	p, err := New(testutil.NewLogger(),
		Stage{ID: "first", Run: recorder(&calls, "first", boom)},
		Stage{ID: "second", DependsOn: []string{"first"}, Run: recorder(&calls, "second", nil)},
		Stage{ID: "third", DependsOn: []string{"second"}, Run: recorder(&calls, "third", nil)},
	)
	require.NoError(t, err)

	results, err := p.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "stage first")
	assert.Equal(t, []string{"first"}, calls)
	assert.Equal(t, []Result{
		{ID: "first", Status: StatusFailed, Duration: results[0].Duration},
		{ID: "second", Status: StatusBlocked},
		{ID: "third", Status: StatusBlocked},
	}, results)
}

func TestNewRejectsBadGraphs(t *testing.T) {
	noop := func(_ context.Context) error { return nil }

	_, err := New(testutil.NewLogger(), Stage{ID: "a", DependsOn: []string{"missing"}, Run: noop})
	require.ErrorIs(t, err, ErrNonExistentDependency)

	_, err = New(testutil.NewLogger(),
		Stage{ID: "a", DependsOn: []string{"b"}, Run: noop},
		Stage{ID: "b", DependsOn: []string{"a"}, Run: noop},
	)
	require.Error(t, err)

	_, err = New(testutil.NewLogger(), Stage{ID: "a", Run: noop}, Stage{ID: "a", Run: noop})
	require.Error(t, err)
}

func TestRunHonoursCancelledContext(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := New(testutil.NewLogger(), Stage{ID: "a", Run: recorder(&calls, "a", nil)})
	require.NoError(t, err)

	_, err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}
