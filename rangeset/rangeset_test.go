package rangeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func domain(n int64) Range { return Range{0, n} }

func TestFillMergesAdjacentAndOverlapping(t *testing.T) {
	c := New(domain(100))
	c, err := c.Fill(Range{10, 20})
	require.NoError(t, err)
	c, err = c.Fill(Range{20, 30})
	require.NoError(t, err)
	assert.Equal(t, []Range{{10, 30}}, c.Ranges())

	c, err = c.Fill(Range{25, 35})
	require.NoError(t, err)
	assert.Equal(t, []Range{{10, 35}}, c.Ranges())

	c, err = c.Fill(Range{50, 60})
	require.NoError(t, err)
	assert.Equal(t, []Range{{10, 35}, {50, 60}}, c.Ranges())
}

func TestFillOutOfDomain(t *testing.T) {
	c := New(domain(10))
	_, err := c.Fill(Range{5, 20})
	assert.ErrorIs(t, err, ErrOutOfDomain)
}

func TestPokeSplitsRange(t *testing.T) {
	c := New(domain(100)).MustFill(Range{0, 50})
	c = c.MustPoke(Range{20, 30})
	assert.Equal(t, []Range{{0, 20}, {30, 50}}, c.Ranges())

	c = c.MustPoke(Range{0, 20})
	assert.Equal(t, []Range{{30, 50}}, c.Ranges())
}

func TestFillPokeInverseOnDisjointBytes(t *testing.T) {
	// Property 1 from spec.md §8: fill(r).poke(r) == poke(r), and
	// poke(r).fill(r) covers at least everything c covered, plus r.
	c := New(domain(100)).MustFill(Range{0, 10}).MustFill(Range{40, 60})
	r := Range{20, 30}

	filled := c.MustFill(r)
	fp := filled.MustPoke(r)
	poked := c.MustPoke(r)
	assert.Equal(t, poked.Ranges(), fp.Ranges())

	pf := poked.MustFill(r)
	for _, er := range c.Ranges() {
		assert.True(t, pf.Contains(er))
	}
	assert.True(t, pf.Contains(r))
}

func TestFirstGap(t *testing.T) {
	c := New(domain(100)).MustFill(Range{0, 10}).MustFill(Range{20, 30})

	gap, ok := c.FirstGap(Range{0, 100})
	require.True(t, ok)
	assert.Equal(t, Range{10, 20}, gap)

	gap, ok = c.FirstGap(Range{10, 20})
	require.True(t, ok)
	assert.Equal(t, Range{10, 20}, gap)

	_, ok = c.FirstGap(Range{0, 10})
	assert.False(t, ok)

	gap, ok = c.FirstGap(Range{5, 25})
	require.True(t, ok)
	assert.Equal(t, Range{10, 20}, gap)
}

func TestFirstGapInvariants(t *testing.T) {
	c := New(domain(1000))
	for _, r := range []Range{{5, 15}, {40, 41}, {100, 200}, {500, 501}} {
		c = c.MustFill(r)
	}
	sub := Range{0, 1000}
	gap, ok := c.FirstGap(sub)
	require.True(t, ok)
	assert.True(t, gap.First >= sub.First && gap.Last <= sub.Last)
	for _, r := range c.Ranges() {
		assert.False(t, r.Overlaps(gap))
		if r.First < gap.First {
			assert.True(t, r.Last <= gap.First)
		}
	}
}

func TestCompleteAndEmpty(t *testing.T) {
	c := New(domain(10))
	assert.True(t, c.Empty())
	assert.False(t, c.Complete())

	c = c.MustFill(Range{0, 10})
	assert.True(t, c.Complete())
	assert.False(t, c.Empty())
}

func TestPokeOutOfDomain(t *testing.T) {
	c := New(domain(10))
	_, err := c.Poke(Range{5, 20})
	assert.ErrorIs(t, err, ErrOutOfDomain)
}
