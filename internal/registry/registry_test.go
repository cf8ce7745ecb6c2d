package registry

import (
	"errors"
	"testing"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func pool(id string, target, current int64, crop, region string) model.Pool {
	return model.Pool{
		ID:            id,
		TargetAmount:  decimal.NewFromInt(target),
		CurrentAmount: decimal.NewFromInt(current),
		State:         model.PoolMatching,
		CropType:      crop,
		Region:        region,
		CreatedAt:     now,
		ExpiresAt:     now.Add(72 * time.Hour),
		Version:       1,
	}
}

func ids(pools []model.Pool) []string {
	out := make([]string, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.ID)
	}
	return out
}

func collect(r *Registry, q Query) []model.Pool {
	var out []model.Pool
	for p := range r.FindCandidates(q, now) {
		out = append(out, p)
	}
	return out
}

func TestFindCandidates_OrderedByRemainingGap(t *testing.T) {
	r := New(GapInclusive)
	require.NoError(t, r.Insert(pool("far", 200000, 20000, "maize", "north")))
	require.NoError(t, r.Insert(pool("close", 200000, 180000, "maize", "north")))
	require.NoError(t, r.Insert(pool("middle", 100000, 10000, "rice", "south")))

	got := collect(r, Query{Amount: decimal.NewFromInt(20000)})
	assert.Equal(t, []string{"close", "middle", "far"}, ids(got))
}

func TestFindCandidates_GapPolicy(t *testing.T) {
	inclusive := New(GapInclusive)
	strict := New(GapStrict)
	for _, r := range []*Registry{inclusive, strict} {
		require.NoError(t, r.Insert(pool("exact", 100000, 90000, "", "")))
	}

	q := Query{Amount: decimal.NewFromInt(10000)}
	assert.Equal(t, []string{"exact"}, ids(collect(inclusive, q)))
	assert.Empty(t, collect(strict, q))
}

func TestFindCandidates_Filters(t *testing.T) {
	r := New(GapInclusive)
	require.NoError(t, r.Insert(pool("maize-north", 100000, 0, "Maize", "North")))
	require.NoError(t, r.Insert(pool("maize-south", 100000, 0, "maize", "south")))
	require.NoError(t, r.Insert(pool("rice-north", 100000, 0, "rice", "north")))

	amount := decimal.NewFromInt(1000)
	assert.ElementsMatch(t, []string{"maize-north", "maize-south"},
		ids(collect(r, Query{Amount: amount, CropType: "MAIZE"})))
	assert.Equal(t, []string{"maize-north"},
		ids(collect(r, Query{Amount: amount, CropType: "maize", Region: " north "})))
	assert.Empty(t, collect(r, Query{Amount: amount, CropType: "wheat"}))
}

func TestFindCandidates_SkipsClosedAndExpired(t *testing.T) {
	r := New(GapInclusive)
	expired := pool("expired", 100000, 0, "", "")
	expired.ExpiresAt = now
	require.NoError(t, r.Insert(expired))

	matched := pool("matched", 100000, 100000, "", "")
	require.NoError(t, r.Insert(matched))
	matched.State = model.PoolMatched
	require.NoError(t, r.Update(matched))

	require.NoError(t, r.Insert(pool("open", 100000, 0, "", "")))
	require.NoError(t, r.Insert(pool("too-small", 100000, 99500, "", "")))

	assert.Equal(t, []string{"open"}, ids(collect(r, Query{Amount: decimal.NewFromInt(1000)})))
}

func TestFindCandidates_RestartableAndPaged(t *testing.T) {
	r := New(GapInclusive)
	for i, current := range []int64{10, 20, 30, 40, 50} {
		require.NoError(t, r.Insert(pool(string(rune('a'+i)), 100, current, "", "")))
	}
	seq := r.FindCandidates(Query{Amount: decimal.NewFromInt(1)}, now)

	assert.Equal(t, []string{"e", "d"}, ids(Page(seq, 0, 2)))
	assert.Equal(t, []string{"c", "b"}, ids(Page(seq, 2, 2)))
	assert.Equal(t, []string{"a"}, ids(Page(seq, 4, 2)))
	assert.Empty(t, Page(seq, 5, 2))

	// a pool filling up between pages is reflected on the next range
	d := pool("d", 100, 100, "", "")
	d.State = model.PoolMatched
	require.NoError(t, r.Update(d))
	assert.Equal(t, []string{"e", "c"}, ids(Page(seq, 0, 2)))
}

func TestUpdate_ReindexesState(t *testing.T) {
	r := New(GapInclusive)
	p := pool("p1", 100, 0, "", "")
	require.NoError(t, r.Insert(p))
	assert.Error(t, r.Insert(p))

	p.State = model.PoolFailed
	require.NoError(t, r.Update(p))

	assert.Empty(t, r.ListByState(model.PoolMatching))
	assert.Equal(t, []string{"p1"}, ids(r.ListByState(model.PoolFailed)))
	assert.Equal(t, 1, r.CountByState()[model.PoolFailed])
	assert.Equal(t, 0, r.CountByState()[model.PoolMatching])

	err := r.Update(pool("ghost", 1, 0, "", ""))
	assert.True(t, errors.Is(err, model.ErrPoolNotFound))
	_, err = r.Get("ghost")
	assert.True(t, errors.Is(err, model.ErrPoolNotFound))
}

func TestParseGapPolicy(t *testing.T) {
	p, err := ParseGapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, GapInclusive, p)

	p, err = ParseGapPolicy("Strict")
	require.NoError(t, err)
	assert.Equal(t, GapStrict, p)

	_, err = ParseGapPolicy("greedy")
	assert.Error(t, err)
}
