package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Jobs:      make([]JobInfo, 0, len(s.jobs)),
		Intervals: make([]IntervalInfo, 0, len(s.ivals)),
	}
	for _, j := range s.jobs {
		it := JobInfo{ID: j.id, Schedule: j.schedule.Expr, Kind: j.schedule.Kind.String(), Command: j.command}
		if s.c != nil && j.entryID != 0 {
			e := s.c.Entry(j.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		snap.Jobs = append(snap.Jobs, it)
	}
	for _, iv := range s.ivals {
		snap.Intervals = append(snap.Intervals, IntervalInfo{Name: iv.name, Every: iv.every})
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].ID < snap.Jobs[k].ID })
	sort.Slice(snap.Intervals, func(i, k int) bool { return snap.Intervals[i].Name < snap.Intervals[k].Name })
	return snap
}
