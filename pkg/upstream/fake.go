package upstream

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"
)

// Fake is a deterministic in-memory Client for this repository's own tests:
// Resources are seeded directly rather than fetched over HTTP, and Count
// saturates to math.MaxInt64 when Saturate is set for a resourceType.
type Fake struct {
	Resources map[string][]Resource // resourceType -> sorted by LastUpdated
	Saturate  map[string]bool
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{Resources: make(map[string][]Resource), Saturate: make(map[string]bool)}
}

// Seed adds n synthetic resources for resourceType evenly spaced between
// start and end, sorted ascending by LastUpdated.
func (f *Fake) Seed(resourceType string, start, end time.Time, n int) {
	if n <= 0 {
		return
	}
	span := end.Sub(start)
	step := span / time.Duration(n)
	resources := make([]Resource, n)
	for i := 0; i < n; i++ {
		resources[i] = Resource{
			ID:          resourceType + "-" + strconv.Itoa(i),
			LastUpdated: start.Add(step * time.Duration(i)),
			Raw:         []byte(`{}`),
		}
	}
	f.Resources[resourceType] = append(f.Resources[resourceType], resources...)
	sort.Slice(f.Resources[resourceType], func(i, j int) bool {
		return f.Resources[resourceType][i].LastUpdated.Before(f.Resources[resourceType][j].LastUpdated)
	})
}

func (f *Fake) Count(ctx context.Context, resourceType string, start, end time.Time) (int64, error) {
	if f.Saturate[resourceType] {
		return Infinite(), nil
	}
	var n int64
	for _, r := range f.Resources[resourceType] {
		if !r.LastUpdated.Before(start) && r.LastUpdated.Before(end) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) BoundaryTimestamp(ctx context.Context, resourceType string, ascending bool) (time.Time, bool, error) {
	rs := f.Resources[resourceType]
	if len(rs) == 0 {
		return time.Time{}, false, nil
	}
	if ascending {
		return rs[0].LastUpdated, true, nil
	}
	return rs[len(rs)-1].LastUpdated, true, nil
}

func (f *Fake) Fetch(ctx context.Context, resourceType string, start, end time.Time, page func([]Resource) error) error {
	var batch []Resource
	for _, r := range f.Resources[resourceType] {
		if !r.LastUpdated.Before(start) && r.LastUpdated.Before(end) {
			batch = append(batch, r)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return page(batch)
}

// Infinite mirrors splitter.Infinite without importing the splitter package;
// splitter reaches upstream only through its Counter interface, so neither
// package imports the other.
func Infinite() int64 { return math.MaxInt64 }
