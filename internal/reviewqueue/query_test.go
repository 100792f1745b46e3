package reviewqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []*types.Case

func (s staticSource) List() []*types.Case { return s }

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func mkCase(id string, st types.State, conf *float64, vendor string, minute int) *types.Case {
	return &types.Case{
		ID:         types.CaseID(id),
		State:      st,
		Confidence: conf,
		VendorID:   "v-" + vendor,
		VendorName: vendor,
		Fields:     map[string]types.Field{"total": {Value: "12.50", Confidence: 80}},
		CreatedAt:  t0.Add(time.Duration(minute) * time.Minute),
		UpdatedAt:  t0.Add(time.Duration(60-minute) * time.Minute),
	}
}

func f(v float64) *float64 { return &v }

func ids(entries []types.QueueEntry) []types.CaseID {
	out := make([]types.CaseID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.CaseID)
	}
	return out
}

func fixture() staticSource {
	return staticSource{
		mkCase("a", types.StateNeedsReview, f(85), "Acme Corp", 1),
		mkCase("b", types.StateNeedsReview, f(40), "Globex", 2),
		mkCase("c", types.StateNeedsReview, f(72), "acme labs", 3),
		mkCase("d", types.StateInReview, f(10), "Acme Corp", 4),
		mkCase("e", types.StateApproved, f(99), "Initech", 5),
		mkCase("g", types.StateNeedsReview, nil, "Umbrella", 6),
		mkCase("h", types.StateAutoApproved, f(95), "Initech", 7),
	}
}

func TestQueryDefaultsToNeedsReviewByPriority(t *testing.T) {
	ix := New(fixture())

	res, err := ix.Query(Filter{}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, []types.CaseID{"g", "b", "c", "a"}, ids(res.Entries))
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.TotalPages)
}

func TestQueryPriorityAscLowestFirst(t *testing.T) {
	ix := New(fixture())
	res, err := ix.Query(Filter{State: types.StateNeedsReview, Confidence: &ConfidenceRange{0, 100}},
		Sort{Field: SortPriority, Order: Asc}, Page{})
	require.NoError(t, err)
	assert.Equal(t, []types.CaseID{"b", "c", "a"}, ids(res.Entries))
}

func TestQuerySorts(t *testing.T) {
	tests := []struct {
		sort Sort
		want []types.CaseID
	}{
		{Sort{SortConfidence, Desc}, []types.CaseID{"a", "c", "b", "g"}},
		{Sort{SortCreatedAt, Asc}, []types.CaseID{"a", "b", "c", "g"}},
		{Sort{SortCreatedAt, Desc}, []types.CaseID{"g", "c", "b", "a"}},
		{Sort{SortUpdatedAt, Asc}, []types.CaseID{"g", "c", "b", "a"}},
	}
	ix := New(fixture())
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.sort.Field, tt.sort.Order), func(t *testing.T) {
			res, err := ix.Query(Filter{}, tt.sort, Page{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res.Entries))
		})
	}
}

func TestQueryFilters(t *testing.T) {
	ix := New(fixture())

	res, err := ix.Query(Filter{Vendor: "ACME"}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, []types.CaseID{"c", "a"}, ids(res.Entries))

	// Inclusive bounds; unscored cases drop out.
	res, err = ix.Query(Filter{Confidence: &ConfidenceRange{Min: 72, Max: 85}}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, []types.CaseID{"c", "a"}, ids(res.Entries))

	res, err = ix.Query(Filter{State: types.StateInReview}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, []types.CaseID{"d"}, ids(res.Entries))
	assert.Equal(t, types.TierLow, res.Entries[0].Tier)
	assert.Equal(t, "12.50", res.Entries[0].Total)
}

func TestQueryPagination(t *testing.T) {
	src := make(staticSource, 0, 45)
	for i := 0; i < 45; i++ {
		src = append(src, mkCase(fmt.Sprintf("c%02d", i), types.StateNeedsReview, f(float64(i)), "v", i))
	}
	ix := New(src)

	res, err := ix.Query(Filter{}, Sort{}, Page{Number: 3, Size: 20})
	require.NoError(t, err)
	assert.Equal(t, 45, res.Total)
	assert.Equal(t, 3, res.TotalPages)
	assert.Len(t, res.Entries, 5)
	assert.Equal(t, types.CaseID("c40"), res.Entries[0].CaseID)

	res, err = ix.Query(Filter{}, Sort{}, Page{Number: 9, Size: 20})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)

	res, err = ix.Query(Filter{State: types.StateExported}, Sort{}, Page{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.TotalPages)
}

func TestQueryRejectsBadInput(t *testing.T) {
	ix := New(fixture())
	_, err := ix.Query(Filter{State: "bogus"}, Sort{}, Page{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = ix.Query(Filter{}, Sort{Field: "vendor"}, Page{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = ix.Query(Filter{}, Sort{Order: "sideways"}, Page{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = ix.Query(Filter{Confidence: &ConfidenceRange{Min: 90, Max: 10}}, Sort{}, Page{})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestStats(t *testing.T) {
	ix := New(fixture())
	st := ix.Stats()

	assert.Equal(t, 7, st.Total)
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 1, st.InReview)
	assert.Equal(t, 2, st.Approved)
	assert.Equal(t, 0, st.Rejected)
	assert.Equal(t, 0, st.ByState[types.StateExported])
	assert.Len(t, st.ByState, len(types.AllStates))
	// (85+40+72+10+99+95)/6
	assert.InDelta(t, 66.8333, st.AverageConfidence, 1e-3)

	empty := New(staticSource{}).Stats()
	assert.Equal(t, 0.0, empty.AverageConfidence)
}
