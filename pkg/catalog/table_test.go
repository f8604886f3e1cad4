package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()

	tbl, err := NewTable(
		NewInt("label", []int64{1, 2, 3}),
		NewFloat("flux", []float64{10, 20, 30}).WithUnit("nJy"),
		NewString("name", []string{"a", "b", "c"}),
	)
	require.NoError(t, err)

	return tbl
}

func TestNewTableLengthMismatch(t *testing.T) {
	_, err := NewTable(NewInt("a", []int64{1, 2}), NewFloat("b", []float64{1}))
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestTableSetReplacesInPlace(t *testing.T) {
	tbl := sampleTable(t)

	require.NoError(t, tbl.Set(NewFloat("label", []float64{7, 8, 9})))

	assert.Equal(t, []string{"label", "flux", "name"}, tbl.Names())
	c, err := tbl.Column("label")
	require.NoError(t, err)
	assert.Equal(t, Float, c.Kind)
}

func TestTableTake(t *testing.T) {
	tbl := sampleTable(t)

	out, err := tbl.Take([]int{2, 0})
	require.NoError(t, err)

	assert.Equal(t, 2, out.Len())
	flux, err := out.Floats("flux")
	require.NoError(t, err)
	assert.Equal(t, []float64{30, 10}, flux)

	c, err := out.Column("flux")
	require.NoError(t, err)
	assert.Equal(t, "nJy", c.Unit)

	_, err = tbl.Take([]int{3})
	require.Error(t, err)
}

func TestTableWithDoesNotMutate(t *testing.T) {
	tbl := sampleTable(t)

	out, err := tbl.With(NewFloat("extra", []float64{1, 2, 3}))
	require.NoError(t, err)

	assert.False(t, tbl.Has("extra"))
	assert.True(t, out.Has("extra"))

	c, _ := out.Column("flux")
	c.Floats[0] = -1
	orig, _ := tbl.Floats("flux")
	assert.Equal(t, 10.0, orig[0])
}

func TestTableSelectAndFilter(t *testing.T) {
	tbl := sampleTable(t)

	sel, err := tbl.Select("name", "label")
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "label"}, sel.Names())

	_, err = tbl.Select("missing")
	require.ErrorIs(t, err, ErrColumnNotFound)

	flux, _ := tbl.Floats("flux")
	filtered := tbl.Filter(func(row int) bool { return flux[row] > 15 })
	assert.Equal(t, 2, filtered.Len())
}

func TestColumnConversions(t *testing.T) {
	ints, err := NewFloat("f", []float64{1.9, -2.1}).AsInts()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, -2}, ints)

	assert.Equal(t, []float64{3, 4}, NewInt("i", []int64{3, 4}).AsFloats())

	_, err = NewString("s", []string{"x"}).AsInts()
	require.Error(t, err)

	assert.Equal(t, []float64{-99, -99}, FullFloat("s", 2, -99).Floats)
}

func TestSample(t *testing.T) {
	tbl := sampleTable(t)

	a, err := tbl.Sample(2, 42)
	require.NoError(t, err)
	b, err := tbl.Sample(2, 42)
	require.NoError(t, err)

	la, _ := a.Column("label")
	lb, _ := b.Column("label")
	assert.Equal(t, la.Ints, lb.Ints)
	assert.NotEqual(t, la.Ints[0], la.Ints[1])

	_, err = tbl.Sample(4, 42)
	require.ErrorIs(t, err, ErrTooManyRows)
	assert.Contains(t, err.Error(), "requested 4")
	assert.Contains(t, err.Error(), "only 3")

	all, err := tbl.Sample(3, 7)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, mustInts(t, all, "label"))
}

func mustInts(t *testing.T, tbl *Table, name string) []int64 {
	t.Helper()

	c, err := tbl.Column(name)
	require.NoError(t, err)

	return c.Ints
}
