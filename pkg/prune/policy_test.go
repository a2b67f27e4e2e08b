package prune

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

// snapshotsAt builds a newest-first snapshot list from newest-first times.
func snapshotsAt(times ...time.Time) []blob.Snapshot {
	out := make([]blob.Snapshot, len(times))
	for i, t := range times {
		out[i] = blob.Snapshot{SnapshotID: string(rune('a' + i)), LastModified: t}
	}
	return out
}

func ids(snaps []blob.Snapshot) []string {
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.SnapshotID
	}
	return out
}

func TestClassify_KeepsNewestAlways(t *testing.T) {
	policy := Policy{KeepLatest: 1, Hours: 1, Days: 1, Months: 1}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	keep, drop := policy.Classify(snapshotsAt(now, now.Add(-time.Minute)))
	require.NotEmpty(t, keep)
	assert.Equal(t, "a", keep[0].SnapshotID)
	// Second snapshot shares the newest one's hour bucket and falls out of
	// KeepLatest, so it is dropped.
	assert.Equal(t, []string{"b"}, ids(drop))
}

func TestClassify_BurstWithinOneHour(t *testing.T) {
	policy := DefaultPolicy()

	// Eight pushes a minute apart. The five newest survive via KeepLatest;
	// the hour bucket is already covered by the newest.
	base := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	times := make([]time.Time, 8)
	for i := range times {
		times[i] = base.Add(-time.Duration(i) * time.Minute)
	}
	keep, drop := policy.Classify(snapshotsAt(times...))
	assert.Len(t, keep, 5)
	assert.Len(t, drop, 3)
}

func TestClassify_BurstAcrossHourBoundary(t *testing.T) {
	policy := DefaultPolicy()

	// Seven pushes this hour, one in the previous hour. The older hour's
	// newest representative survives in addition to the five newest.
	base := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	times := make([]time.Time, 0, 8)
	for i := 0; i < 7; i++ {
		times = append(times, base.Add(-time.Duration(i)*time.Minute))
	}
	times = append(times, base.Add(-45*time.Minute)) // 11:45

	keep, _ := policy.Classify(snapshotsAt(times...))
	assert.Len(t, keep, 6)
	assert.Contains(t, ids(keep), "h")
}

func TestClassify_DailyAndMonthlyTail(t *testing.T) {
	policy := Policy{KeepLatest: 2, Hours: 2, Days: 3, Months: 2}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	keep, drop := policy.Classify(snapshotsAt(
		now,                     // a: kept (latest)
		now.Add(-time.Minute),   // b: kept (KeepLatest = 2)
		now.Add(-2*time.Minute), // c: dropped, hour and day covered by a
		now.AddDate(0, 0, -1),   // d: kept, newest of yesterday
		now.AddDate(0, 0, -1).Add(-time.Hour), // e: dropped, same day as d
		now.AddDate(0, -1, 0),   // f: kept, newest of last month
		now.AddDate(0, -6, 0),   // g: dropped, outside every window
	))
	assert.Equal(t, []string{"a", "b", "d", "f"}, ids(keep))
	assert.Equal(t, []string{"c", "e", "g"}, ids(drop))
}

func TestClassify_WindowsRelativeToNewestSnapshot(t *testing.T) {
	policy := Policy{KeepLatest: 1, Hours: 25, Days: 32, Months: 96}

	// A document untouched for years still keeps its bucketed tail; the
	// windows anchor on the newest snapshot, not the wall clock.
	newest := time.Date(2020, 1, 15, 9, 0, 0, 0, time.UTC)
	keep, _ := policy.Classify(snapshotsAt(
		newest,
		newest.AddDate(0, 0, -2),
		newest.AddDate(0, -3, 0),
	))
	assert.Len(t, keep, 3)
}

func TestClassify_Empty(t *testing.T) {
	keep, drop := DefaultPolicy().Classify(nil)
	assert.Empty(t, keep)
	assert.Empty(t, drop)
}
