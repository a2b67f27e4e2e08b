package prune

import (
	"time"

	"github.com/gristlabs/grist-hsm/pkg/blob"
)

// Policy describes which snapshots of a document survive pruning. The zero
// value is not useful; call ApplyDefaults or start from DefaultPolicy.
type Policy struct {
	// KeepLatest snapshots are always retained, regardless of age.
	KeepLatest int

	// Hours, Days and Months bound the bucketed tail: the newest snapshot
	// in each hour/day/month bucket is retained, for buckets within the
	// respective window counted back from the newest snapshot.
	Hours  int
	Days   int
	Months int
}

// DefaultPolicy mirrors the production retention defaults.
func DefaultPolicy() Policy {
	return Policy{KeepLatest: 5, Hours: 25, Days: 32, Months: 96}
}

// ApplyDefaults fills unset fields from DefaultPolicy.
func (p *Policy) ApplyDefaults() {
	def := DefaultPolicy()
	if p.KeepLatest <= 0 {
		p.KeepLatest = def.KeepLatest
	}
	if p.Hours <= 0 {
		p.Hours = def.Hours
	}
	if p.Days <= 0 {
		p.Days = def.Days
	}
	if p.Months <= 0 {
		p.Months = def.Months
	}
}

// Classify splits a newest-first snapshot list into kept and dropped sets.
// The newest snapshot is always kept. Bucket windows are measured from the
// newest snapshot's timestamp, not the wall clock, so a document untouched
// for a year keeps its tail. Bucket boundaries follow each snapshot's own
// recorded timezone when parseable, UTC otherwise.
func (p Policy) Classify(snapshots []blob.Snapshot) (keep, drop []blob.Snapshot) {
	if len(snapshots) == 0 {
		return nil, nil
	}

	now := snapshots[0].LastModified
	hourCut := now.Add(-time.Duration(p.Hours) * time.Hour)
	dayCut := now.AddDate(0, 0, -p.Days)
	monthCut := now.AddDate(0, -p.Months, 0)

	seenHour := make(map[string]bool)
	seenDay := make(map[string]bool)
	seenMonth := make(map[string]bool)

	for i, snap := range snapshots {
		ts := snap.LastModified.In(snapshotLocation(snap))

		kept := i < p.KeepLatest
		if hour := ts.Format("2006-01-02T15"); !snap.LastModified.Before(hourCut) && !seenHour[hour] {
			seenHour[hour] = true
			kept = true
		}
		if day := ts.Format("2006-01-02"); !snap.LastModified.Before(dayCut) && !seenDay[day] {
			seenDay[day] = true
			kept = true
		}
		if month := ts.Format("2006-01"); !snap.LastModified.Before(monthCut) && !seenMonth[month] {
			seenMonth[month] = true
			kept = true
		}

		if kept {
			keep = append(keep, snap)
		} else {
			drop = append(drop, snap)
		}
	}
	return keep, drop
}

func snapshotLocation(snap blob.Snapshot) *time.Location {
	tz := snap.Metadata[blob.MetaTimezone]
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
