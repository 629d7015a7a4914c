package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		n    int
		want Counts
	}{
		{n: 5000, want: Counts{Normal: 4000, Bot: 333, Burst: 333, DDoS: 334}},
		{n: 1, want: Counts{Normal: 0, Bot: 0, Burst: 0, DDoS: 1}},
		{n: 10, want: Counts{Normal: 8, Bot: 0, Burst: 0, DDoS: 2}},
		{n: 15, want: Counts{Normal: 12, Bot: 1, Burst: 1, DDoS: 1}},
		{n: 101, want: Counts{Normal: 80, Bot: 7, Burst: 7, DDoS: 7}},
	}

	for _, tt := range tests {
		got := Split(tt.n)
		assert.Equal(t, tt.want, got, "n=%d", tt.n)
		assert.Equal(t, tt.n, got.Total())
	}
}

func TestSplitProportions(t *testing.T) {
	for n := 1; n <= 2000; n += 37 {
		c := Split(n)
		require.Equal(t, n, c.Total())
		assert.LessOrEqual(t, c.Normal, n*4/5)
		assert.Equal(t, n-c.Normal, c.Abuse())
		// abuse buckets differ by at most the absorbed remainder
		assert.LessOrEqual(t, c.DDoS-c.Bot, 2)
		assert.Equal(t, c.Bot, c.Burst)
	}
}

func TestGenerate(t *testing.T) {
	for _, n := range []int{1, 7, 100, DefaultSamples} {
		ds, err := Generate(n, NewSource(42))
		require.NoError(t, err)

		assert.Equal(t, n, ds.Len())
		assert.Equal(t, n, ds.Counts().Total())
		for i, row := range ds.Rows() {
			require.Len(t, row, 2)
			assert.GreaterOrEqual(t, row[0], 0.0, "row %d rps", i)
			assert.GreaterOrEqual(t, row[1], 0.0, "row %d burstiness", i)
		}
	}
}

func TestGenerateInvalid(t *testing.T) {
	_, err := Generate(0, NewSource(1))
	assert.ErrorIs(t, err, ErrSampleCount)

	_, err = Generate(-5, NewSource(1))
	assert.ErrorIs(t, err, ErrSampleCount)

	_, err = Generate(10, nil)
	assert.Error(t, err)
}

func TestGenerateDeterministic(t *testing.T) {
	a, err := Generate(500, NewSource(7))
	require.NoError(t, err)
	b, err := Generate(500, NewSource(7))
	require.NoError(t, err)
	c, err := Generate(500, NewSource(8))
	require.NoError(t, err)

	assert.Equal(t, a.Rows(), b.Rows())
	assert.NotEqual(t, a.Rows(), c.Rows())
}

func TestGenerateArchetypes(t *testing.T) {
	ds, err := Generate(DefaultSamples, NewSource(42))
	require.NoError(t, err)

	rows := ds.Rows()
	c := ds.Counts()
	mean := func(lo, hi, col int) float64 {
		var s float64
		for _, r := range rows[lo:hi] {
			s += r[col]
		}
		return s / float64(hi-lo)
	}

	normalEnd := c.Normal
	botEnd := normalEnd + c.Bot
	burstEnd := botEnd + c.Burst

	normalRPS, normalBurst := mean(0, normalEnd, 0), mean(0, normalEnd, 1)
	botRPS, botBurst := mean(normalEnd, botEnd, 0), mean(normalEnd, botEnd, 1)
	burstRPS, burstBurst := mean(botEnd, burstEnd, 0), mean(botEnd, burstEnd, 1)
	ddosRPS, ddosBurst := mean(burstEnd, len(rows), 0), mean(burstEnd, len(rows), 1)

	// expected means are shape*scale+offset
	assert.InDelta(t, 4, normalRPS, 0.5)
	assert.InDelta(t, 600, normalBurst, 30)
	assert.Greater(t, botRPS, 100.0)
	assert.Less(t, botBurst, normalBurst)
	assert.Greater(t, burstRPS, normalRPS)
	assert.Greater(t, burstBurst, 4000.0)
	assert.Greater(t, ddosRPS, botRPS)
	assert.Greater(t, ddosBurst, normalBurst)
}

func TestDatasetImmutable(t *testing.T) {
	ds, err := Generate(10, NewSource(3))
	require.NoError(t, err)

	rows := ds.Rows()
	orig := rows[0][0]
	rows[0][0] = -1

	assert.Equal(t, orig, ds.Rows()[0][0])
}

func TestNewDatasetAndRanges(t *testing.T) {
	src := [][]float64{{1, 10}, {5, 2}, {3, 7}}
	ds := NewDataset(src)
	src[0][0] = 100

	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, Counts{Normal: 3}, ds.Counts())

	r := ds.Ranges()
	require.Len(t, r, 2)
	assert.Equal(t, Range{Min: 1, Max: 5}, r[0])
	assert.Equal(t, Range{Min: 2, Max: 10}, r[1])

	assert.Nil(t, Dataset{}.Ranges())

	vs, err := ds.Vectors()
	require.NoError(t, err)
	assert.Len(t, vs, 3)

	_, err = NewDataset([][]float64{{-1, 2}}).Vectors()
	assert.Error(t, err)
}

func TestBucketString(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "ddos", DDoS.String())
	assert.Equal(t, "bucket(9)", Bucket(9).String())
}
