// Package upstream declares the capability boundary for the external FHIR
// or DICOM source (§6, "Deliberately out of scope"). Only the interface and
// a thin HTTP FHIR adapter live here; retry/circuit-breaker policy, auth,
// and the production adapter are out of core scope and are not implemented.
package upstream

import (
	"context"
	"time"
)

// Resource is one fetched clinical record, kept deliberately opaque: the
// core never inspects its contents, only counts and forwards it (§1 Non-goals:
// "Transforming records").
type Resource struct {
	ID          string
	LastUpdated time.Time
	Raw         []byte
}

// Client is the capability the splitter (as a Counter) and the reference
// processing-job handler borrow. It owns no queue state (§9).
type Client interface {
	// Count returns the number of resourceType records with lastUpdated in
	// [start, end). Implementations must return splitter.Infinite (math.MaxInt64)
	// rather than an error when the upstream signals "too many results" (§4.4 step 5).
	Count(ctx context.Context, resourceType string, start, end time.Time) (int64, error)

	// BoundaryTimestamp returns the lastUpdated of the first (ascending=true)
	// or last (ascending=false) record overall, ok=false if there are none.
	BoundaryTimestamp(ctx context.Context, resourceType string, ascending bool) (time.Time, bool, error)

	// Fetch pages through resourceType records in [start, end), calling page
	// once per batch. Fetch returns after the last page or on the first
	// error page returns.
	Fetch(ctx context.Context, resourceType string, start, end time.Time, page func([]Resource) error) error
}
