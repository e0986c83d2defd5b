package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/marking"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestAppendAssignsOrderedSequence(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				d := marking.NewDelta("case-1", fmt.Sprintf("step-%d", i))
				d.SetCondition("c", i)
				require.NoError(t, store.AppendDelta(ctx, d))
			}

			deltas, err := store.ReadDeltas(ctx, "case-1")
			require.NoError(t, err)
			require.Len(t, deltas, 3)
			for i, d := range deltas {
				assert.Equal(t, int64(i+1), d.Seq)
				assert.Equal(t, fmt.Sprintf("step-%d", i), d.Reason)
			}
		})
	}
}

func TestSequencesAreIndependentPerCase(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendDelta(ctx, marking.NewDelta("a", "one").SetCondition("c", 1)))
			require.NoError(t, store.AppendDelta(ctx, marking.NewDelta("b", "one").SetCondition("c", 1)))
			require.NoError(t, store.AppendDelta(ctx, marking.NewDelta("a", "two").SetCondition("c", 2)))

			as, err := store.ReadDeltas(ctx, "a")
			require.NoError(t, err)
			require.Len(t, as, 2)
			assert.Equal(t, int64(2), as[1].Seq)

			bs, err := store.ReadDeltas(ctx, "b")
			require.NoError(t, err)
			require.Len(t, bs, 1)
			assert.Equal(t, int64(1), bs[0].Seq)

			ids, err := store.CaseIDs(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "b"}, ids)
		})
	}
}

func TestDeleteCaseRemovesLog(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendDelta(ctx, marking.NewDelta("gone", "x").SetCondition("c", 1)))
			require.NoError(t, store.DeleteCase(ctx, "gone"))

			deltas, err := store.ReadDeltas(ctx, "gone")
			require.NoError(t, err)
			assert.Empty(t, deltas)
		})
	}
}

func TestDeltaRoundTripPreservesPayload(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := marking.NewDelta("case-1", "fire")
			d.SpecID = "spec-9"
			d.SetCondition("c1", 0)
			d.SetCondition("c2", 2)
			d.SetBusy("t1", true)
			d.SetCaseStatus("Running")
			d.SetData(map[string]any{"amount": 12.5})
			d.Snapshot(marking.ItemSnapshot{ID: "wi-1", TaskID: "t1", Status: "Executing"})

			require.NoError(t, store.AppendDelta(ctx, d))

			got, err := store.ReadDeltas(ctx, "case-1")
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "spec-9", got[0].SpecID)
			assert.Equal(t, 2, got[0].Conditions["c2"])
			assert.Equal(t, true, got[0].Busy["t1"])
			assert.Equal(t, "Running", got[0].CaseStatus)
			require.Len(t, got[0].Items, 1)
			assert.Equal(t, "wi-1", got[0].Items[0].ID)
		})
	}
}

func TestRecoverReplaysToSameState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	launch := marking.NewDelta("case-1", "launch")
	launch.SpecID = "spec-1"
	launch.SetCondition("start", 1)
	launch.SetCaseStatus("Running")
	require.NoError(t, store.AppendDelta(ctx, launch))

	fire := marking.NewDelta("case-1", "start-item")
	fire.SetCondition("start", 0)
	fire.SetBusy("work", true)
	fire.Snapshot(marking.ItemSnapshot{ID: "wi-1", TaskID: "work", Status: "Executing"})
	require.NoError(t, store.AppendDelta(ctx, fire))

	state, err := Recover(ctx, store, "case-1")
	require.NoError(t, err)
	assert.Equal(t, "spec-1", state.SpecID)
	assert.Equal(t, "Running", state.Status)
	assert.Equal(t, 0, state.Marking.TokenCount("start"))
	assert.True(t, state.Marking.IsBusy("work"))
	assert.Equal(t, 2, state.Replayed)
	require.Contains(t, state.Items, "wi-1")
	assert.Equal(t, "Executing", state.Items["wi-1"].Status)

	// recovery is idempotent: replaying the same log again is identical
	again, err := Recover(ctx, store, "case-1")
	require.NoError(t, err)
	assert.True(t, state.Marking.Equals(again.Marking))
	assert.Equal(t, state.Status, again.Status)
}

func TestRecoverUnknownCaseFails(t *testing.T) {
	_, err := Recover(context.Background(), NewMemoryStore(), "ghost")
	require.Error(t, err)
}

func TestMemoryStoreFailAppends(t *testing.T) {
	store := NewMemoryStore()
	store.FailAppends = errors.New("disk full")

	err := store.AppendDelta(context.Background(), marking.NewDelta("case-1", "x"))
	require.Error(t, err)

	deltas, err := store.ReadDeltas(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Empty(t, deltas)
}
