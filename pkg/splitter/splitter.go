// Package splitter implements the processing-job splitter (C5): given a
// resource type and a time window, it yields a lazy, finite sequence of
// sub-jobs each sized between LOW and HIGH resources, using counted binary
// search over the upstream API's count/boundary queries (§4.4). This is the
// one designated canonical implementation the design notes (§9) call for —
// nothing in this repository inlines a second copy.
package splitter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/observability"
)

// Counter is the subset of upstream.Client the splitter needs: a counted
// summary query and the two boundary-timestamp queries. It borrows this
// capability rather than owning any queue state (§9: "the splitter borrows
// the upstream-client capability").
type Counter interface {
	Count(ctx context.Context, resourceType string, start, end time.Time) (int64, error)
	BoundaryTimestamp(ctx context.Context, resourceType string, ascending bool) (time.Time, bool, error)
}

// Infinite represents a saturated upstream count ("too many results"); the
// splitter treats it as +∞ and bisection naturally drives it down (§4.4 step 5).
const Infinite int64 = math.MaxInt64

// SubJob is one end-exclusive [Start, End) slice sized within [Low, High)
// where feasible.
type SubJob struct {
	Start        time.Time
	End          time.Time
	ExpectedSize int64
}

// Splitter holds the bounds and the borrowed Counter capability.
type Splitter struct {
	counter Counter
	low     int64
	high    int64
}

// New constructs a Splitter. low/high default to ~20000/~40000 per §6 if
// zero.
func New(counter Counter, low, high int64) *Splitter {
	if low <= 0 {
		low = 20000
	}
	if high <= 0 {
		high = 40000
	}
	return &Splitter{counter: counter, low: low, high: high}
}

// anchor is a (timestamp, cumulativeCount) point the bisection walks.
type anchor struct {
	ts    time.Time
	count int64
}

// Split returns the full sequence of sub-jobs covering [start, end) for
// resourceType. Callers that want to suspend between sub-jobs (the usual
// case, per §9) should prefer SplitFunc with a per-sub-job callback; Split
// is the simpler all-at-once entry point used by tests and by callers that
// already run inside their own cooperative loop.
func (s *Splitter) Split(ctx context.Context, resourceType string, start, end time.Time) ([]SubJob, error) {
	var out []SubJob
	err := s.SplitFunc(ctx, resourceType, start, end, func(sj SubJob) error {
		out = append(out, sj)
		return nil
	})
	return out, err
}

// SplitFunc walks the anchor map in key order, invoking yield once per
// sub-job in increasing, non-overlapping, contiguous order. A non-nil error
// from yield aborts the walk (e.g. the orchestrator's pool became full and
// it wants to suspend before pulling the next sub-job; callers that need
// that suspend/resume shape should instead hold an *Iterator via NewIterator).
func (s *Splitter) SplitFunc(ctx context.Context, resourceType string, start, end time.Time, yield func(SubJob) error) error {
	it := NewIterator(s, resourceType, start, end)
	for {
		sj, ok, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := yield(sj); err != nil {
			return err
		}
	}
}

// Iterator is the suspend/resume-friendly form SplitFunc is built on: the
// orchestrator (C6) pulls one sub-job at a time and may suspend between
// pulls to wait on its in-flight pool (§9: "the orchestrator pulls one
// sub-job at a time and may suspend between pulls").
type Iterator struct {
	s            *Splitter
	resourceType string
	start, end   time.Time

	initialized bool
	anchors     []anchor // sorted by ts, rebuilt lazily as bisection inserts points
	cursorIdx   int
	cursorCount int64
	single      *SubJob // set when totalCount < HIGH: one sub-job, then done
	singleDone  bool
	done        bool
}

// NewIterator constructs a suspend/resume-friendly splitter walk.
func NewIterator(s *Splitter, resourceType string, start, end time.Time) *Iterator {
	return &Iterator{s: s, resourceType: resourceType, start: start, end: end}
}

func (it *Iterator) init(ctx context.Context) error {
	it.initialized = true
	if !it.start.Before(it.end) {
		it.done = true
		return nil
	}

	total, err := it.s.counter.Count(ctx, it.resourceType, it.start, it.end)
	if err != nil {
		return fmt.Errorf("splitter: count %s [%s,%s): %w", it.resourceType, it.start, it.end, err)
	}
	if total == 0 {
		it.done = true
		return nil
	}
	if total < it.s.high {
		it.single = &SubJob{Start: it.start, End: it.end, ExpectedSize: total}
		return nil
	}

	firstTS, ok, err := it.s.counter.BoundaryTimestamp(ctx, it.resourceType, true)
	if err != nil {
		return fmt.Errorf("splitter: first boundary: %w", err)
	}
	if !ok {
		firstTS = it.start
	}
	lastTS, ok, err := it.s.counter.BoundaryTimestamp(ctx, it.resourceType, false)
	if err != nil {
		return fmt.Errorf("splitter: last boundary: %w", err)
	}
	if !ok {
		lastTS = it.end
	}

	it.anchors = []anchor{
		{ts: it.start, count: 0},
		{ts: firstTS, count: 0},
		{ts: lastTS, count: total},
		{ts: it.end, count: total},
	}
	dedupeAndSortAnchors(&it.anchors)
	it.cursorIdx = 0
	it.cursorCount = 0
	return nil
}

// Next returns the next sub-job, or ok=false once the stream is exhausted.
func (it *Iterator) Next(ctx context.Context) (SubJob, bool, error) {
	if !it.initialized {
		if err := it.init(ctx); err != nil {
			return SubJob{}, false, err
		}
	}
	if it.done {
		return SubJob{}, false, nil
	}
	if it.single != nil {
		if it.singleDone {
			return SubJob{}, false, nil
		}
		it.singleDone = true
		it.done = true
		return *it.single, true, nil
	}

	cursorTS := it.anchors[it.cursorIdx].ts
	for it.cursorIdx+1 < len(it.anchors) {
		nextIdx := it.cursorIdx + 1
		next := it.anchors[nextIdx]
		delta := saturatingSub(next.count, it.cursorCount)

		switch {
		case delta < it.s.low:
			// Too small on its own; skip this anchor and keep accumulating.
			it.cursorIdx = nextIdx
			continue

		case delta <= it.s.high:
			sj := SubJob{Start: cursorTS, End: next.ts, ExpectedSize: delta}
			it.cursorIdx = nextIdx
			it.cursorCount = next.count
			if next.ts.Equal(it.end) {
				it.done = true
			}
			return sj, true, nil

		default:
			endTS, endCount, iterations, err := it.bisect(ctx, cursorTS, it.cursorCount, next.ts, next.count)
			observability.SplitterBisections.WithLabelValues(it.resourceType).Observe(float64(iterations))
			if err != nil {
				return SubJob{}, false, err
			}
			sj := SubJob{Start: cursorTS, End: endTS, ExpectedSize: saturatingSub(endCount, it.cursorCount)}
			insertAnchor(&it.anchors, anchor{ts: endTS, count: endCount})
			// Re-find cursor/next indices since insertion may have shifted them.
			it.cursorIdx = indexOfAnchor(it.anchors, endTS)
			it.cursorCount = endCount
			if endTS.Equal(it.end) {
				it.done = true
			}
			return sj, true, nil
		}
	}

	// The anchors left after the cursor hold fewer than LOW resources in
	// total: yield them as the final, possibly undersized, sub-job so the
	// stream still ends at it.end.
	it.done = true
	if cursorTS.Before(it.end) {
		last := it.anchors[len(it.anchors)-1]
		return SubJob{Start: cursorTS, End: it.end, ExpectedSize: saturatingSub(last.count, it.cursorCount)}, true, nil
	}
	return SubJob{}, false, nil
}

// bisect binary-searches between (loTS,loCount) and (hiTS,hiCount) for the
// first millisecond-resolution midpoint whose cumulative count from loCount
// falls within [LOW, HIGH], inserting each probed midpoint into the anchor
// map as it goes (§4.4 step 4). If resolution bottoms out without landing in
// range, it yields the later boundary when that is within HIGH, else the
// smaller boundary when it has moved past the starting loTS, else the
// original hiTS (one oversized sub-job), so the cursor always advances.
func (it *Iterator) bisect(ctx context.Context, loTS time.Time, loCount int64, hiTS time.Time, hiCount int64) (time.Time, int64, int, error) {
	startTS := loTS
	origHiTS, origHiCount := hiTS, hiCount
	iterations := 0
	for {
		iterations++
		span := hiTS.Sub(loTS)
		if span <= time.Millisecond {
			// Resolution exhausted: prefer the later (end-exclusive) endpoint
			// per the tie-break rule, unless that endpoint is itself still
			// oversized, in which case fall back to the smaller boundary.
			// If the smaller boundary is still the cursor, returning it would
			// yield an empty sub-job and never advance (e.g. a count that is
			// saturated at every width), so the whole segment is returned.
			delta := saturatingSub(hiCount, loCount)
			if delta <= it.s.high {
				return hiTS, hiCount, iterations, nil
			}
			if loTS.After(startTS) {
				return loTS, loCount, iterations, nil
			}
			return origHiTS, origHiCount, iterations, nil
		}

		mid := loTS.Add(span / 2)
		count, err := it.s.counter.Count(ctx, it.resourceType, it.start, mid)
		if err != nil {
			return time.Time{}, 0, iterations, fmt.Errorf("splitter: bisect count %s at %s: %w", it.resourceType, mid, err)
		}
		insertAnchor(&it.anchors, anchor{ts: mid, count: count})

		delta := saturatingSub(count, loCount)
		switch {
		case delta < it.s.low:
			loTS, loCount = mid, count
		case delta <= it.s.high:
			return mid, count, iterations, nil
		default:
			hiTS, hiCount = mid, count
		}
	}
}

func saturatingSub(a, b int64) int64 {
	if a == Infinite {
		return Infinite
	}
	return a - b
}

func dedupeAndSortAnchors(anchors *[]anchor) {
	sort.Slice(*anchors, func(i, j int) bool { return (*anchors)[i].ts.Before((*anchors)[j].ts) })
	out := (*anchors)[:0:0]
	for i, a := range *anchors {
		if i > 0 && a.ts.Equal((*anchors)[i-1].ts) {
			continue
		}
		out = append(out, a)
	}
	*anchors = out
}

func insertAnchor(anchors *[]anchor, a anchor) {
	idx := sort.Search(len(*anchors), func(i int) bool { return !(*anchors)[i].ts.Before(a.ts) })
	if idx < len(*anchors) && (*anchors)[idx].ts.Equal(a.ts) {
		(*anchors)[idx] = a
		return
	}
	*anchors = append(*anchors, anchor{})
	copy((*anchors)[idx+1:], (*anchors)[idx:])
	(*anchors)[idx] = a
}

func indexOfAnchor(anchors []anchor, ts time.Time) int {
	idx := sort.Search(len(anchors), func(i int) bool { return !anchors[i].ts.Before(ts) })
	if idx < len(anchors) && anchors[idx].ts.Equal(ts) {
		return idx
	}
	return idx
}
