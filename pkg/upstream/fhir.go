package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"
)

// FHIRClient is a minimal HTTP adapter over a FHIR server's search
// endpoint, issuing the four query shapes named in §6: `_summary=count` for
// Count, `_count=1`+`_sort` for BoundaryTimestamp, and plain paged search
// for Fetch. It carries no retry or circuit-breaker policy; that sits
// outside core scope, layered on by the caller's http.Client/http.RoundTripper.
type FHIRClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewFHIRClient constructs an adapter against baseURL (e.g. "https://fhir.example.org/fhir").
func NewFHIRClient(baseURL string, httpClient *http.Client) *FHIRClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &FHIRClient{BaseURL: baseURL, HTTP: httpClient}
}

type fhirBundle struct {
	Total *int64          `json:"total"`
	Entry []fhirBundleEntry `json:"entry"`
}

type fhirBundleEntry struct {
	Resource json.RawMessage `json:"resource"`
}

type fhirMeta struct {
	LastUpdated time.Time `json:"lastUpdated"`
}

type fhirResourceHeader struct {
	ID   string   `json:"id"`
	Meta fhirMeta `json:"meta"`
}

func (c *FHIRClient) Count(ctx context.Context, resourceType string, start, end time.Time) (int64, error) {
	q := url.Values{}
	q.Set("_type", resourceType)
	q.Add("_lastUpdated", "ge"+formatInstant(start))
	q.Add("_lastUpdated", "lt"+formatInstant(end))
	q.Set("_summary", "count")

	bundle, err := c.search(ctx, q)
	if err != nil {
		return 0, err
	}
	if bundle.Total == nil {
		return 0, fmt.Errorf("upstream: count response missing total")
	}
	return *bundle.Total, nil
}

func (c *FHIRClient) BoundaryTimestamp(ctx context.Context, resourceType string, ascending bool) (time.Time, bool, error) {
	q := url.Values{}
	q.Set("_type", resourceType)
	q.Set("_count", "1")
	if ascending {
		q.Set("_sort", "_lastUpdated")
	} else {
		q.Set("_sort", "-_lastUpdated")
	}

	bundle, err := c.search(ctx, q)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(bundle.Entry) == 0 {
		return time.Time{}, false, nil
	}
	var hdr fhirResourceHeader
	if err := json.Unmarshal(bundle.Entry[0].Resource, &hdr); err != nil {
		return time.Time{}, false, fmt.Errorf("upstream: decode boundary resource: %w", err)
	}
	return hdr.Meta.LastUpdated, true, nil
}

// fetchPageSize bounds each search so a sub-job's worth of resources never
// arrives as a single oversized bundle.
const fetchPageSize = 500

func (c *FHIRClient) Fetch(ctx context.Context, resourceType string, start, end time.Time, page func([]Resource) error) error {
	offset := 0
	for {
		q := url.Values{}
		q.Set("_type", resourceType)
		q.Add("_lastUpdated", "ge"+formatInstant(start))
		q.Add("_lastUpdated", "lt"+formatInstant(end))
		q.Set("_sort", "_lastUpdated")
		q.Set("_count", fmt.Sprintf("%d", fetchPageSize))
		q.Set("_offset", fmt.Sprintf("%d", offset))

		bundle, err := c.search(ctx, q)
		if err != nil {
			return err
		}
		if len(bundle.Entry) == 0 {
			return nil
		}
		batch := make([]Resource, 0, len(bundle.Entry))
		for _, e := range bundle.Entry {
			var hdr fhirResourceHeader
			if err := json.Unmarshal(e.Resource, &hdr); err != nil {
				return fmt.Errorf("upstream: decode fetched resource: %w", err)
			}
			batch = append(batch, Resource{ID: hdr.ID, LastUpdated: hdr.Meta.LastUpdated, Raw: e.Resource})
		}
		if err := page(batch); err != nil {
			return err
		}
		if len(bundle.Entry) < fetchPageSize {
			return nil
		}
		offset += fetchPageSize
	}
}

func (c *FHIRClient) search(ctx context.Context, q url.Values) (*fhirBundle, error) {
	u := c.BaseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: request %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return &fhirBundle{Total: ptrInt64(math.MaxInt64)}, nil
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("upstream: %s returned %d: %s", u, resp.StatusCode, body)
	}

	var bundle fhirBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("upstream: decode bundle: %w", err)
	}
	return &bundle, nil
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func ptrInt64(v int64) *int64 { return &v }
