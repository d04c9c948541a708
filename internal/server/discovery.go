package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/x402-foundation/x402-gatekeeper/pkg/types"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Catalog lists the discoverable routes and tools.
type Catalog struct {
	items []types.DiscoveryResource
}

// Add registers a discoverable resource under its built requirement.
func (c *Catalog) Add(transport string, req types.PaymentRequirements, updated time.Time) {
	c.items = append(c.items, types.DiscoveryResource{
		Resource:    req.Resource,
		Type:        transport,
		X402Version: types.X402Version,
		Accepts:     []types.PaymentRequirements{req},
		LastUpdated: updated.UTC().Format(time.RFC3339),
	})
}

// List applies opts to the catalog.
func (c *Catalog) List(opts types.ListResourcesOptions) types.DiscoveryListResponse {
	filtered := make([]types.DiscoveryResource, 0, len(c.items))
	for _, item := range c.items {
		if opts.Type == "" || item.Type == opts.Type {
			filtered = append(filtered, item)
		}
	}

	limit, offset, end := pageBounds(opts.Limit, opts.Offset, len(filtered))
	return types.DiscoveryListResponse{
		X402Version: types.X402Version,
		Items:       filtered[offset:end],
		Pagination:  types.DiscoveryPagination{Limit: limit, Offset: offset, Total: len(filtered)},
	}
}

// pageBounds clamps a requested page to total items. A zero limit means the
// default page size.
func pageBounds(limit, offset, total int) (int, int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	limit = min(limit, maxPageLimit)
	offset = min(max(offset, 0), total)
	return limit, offset, min(offset+limit, total)
}

// parsePage reads the limit and offset query parameters.
func parsePage(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	for name, dst := range map[string]*int{"limit": &limit, "offset": &offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return 0, 0, fmt.Errorf("invalid %s", name)
		}
		*dst = n
	}
	return limit, offset, nil
}

// ServeHTTP answers GET /discovery/resources?type=&limit=&offset=.
func (c *Catalog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	opts := types.ListResourcesOptions{Type: r.URL.Query().Get("type"), Limit: limit, Offset: offset}
	writeJSON(w, http.StatusOK, c.List(opts))
}
