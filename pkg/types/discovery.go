package types

// DiscoveryResource is one discoverable paid resource.
type DiscoveryResource struct {
	// Resource is the URL or tool identifier.
	Resource string `json:"resource"`
	// Type is the transport, "http" or "mcp".
	Type        string                `json:"type"`
	X402Version int                   `json:"x402Version"`
	Accepts     []PaymentRequirements `json:"accepts"`
	LastUpdated string                `json:"lastUpdated"`
}

// DiscoveryListResponse is the body of GET /discovery/resources.
type DiscoveryListResponse struct {
	X402Version int                 `json:"x402Version"`
	Items       []DiscoveryResource `json:"items"`
	Pagination  DiscoveryPagination `json:"pagination"`
}

// DiscoveryPagination contains pagination info for discovery list.
type DiscoveryPagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// ListResourcesOptions filters and pages a discovery listing.
type ListResourcesOptions struct {
	// Type filters by resource type, e.g. "http"
	Type   string
	Limit  int
	Offset int
}
