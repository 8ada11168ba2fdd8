package engine

import (
	"context"
)

// The provider client is implemented per provider/resource type outside the
// engine. It is split into narrow capabilities so that a binding implements
// only what it supports and each engine component depends only on what it
// uses. Implementations classify failures with the constructors in errors.go
// (throttled, unauthorized, not found, transient, other).

// Fetchable lists resources.
type Fetchable interface {
	// List starts a paginated listing.
	List(ctx context.Context, req ListRequest) (PageIterator, error)
}

// PageIterator walks listing pages in provider order.
type PageIterator interface {
	// NextPage returns the next page. A call that fails must not advance
	// the cursor, so that the same page can be requested again.
	NextPage(ctx context.Context) (*Page, error)
}

// Enrichable supplements listing data with a per-resource describe call.
type Enrichable interface {
	// Describe returns extra fields for one resource. They are merged over
	// the listing record.
	Describe(ctx context.Context, req DescribeRequest) (Record, error)
}

// Mutator applies operations to resources.
type Mutator interface {
	// Mutate invokes opName against one resource.
	Mutate(ctx context.Context, req MutateRequest) (*MutateResponse, error)
}

// BatchMutator applies one operation to many resources in a single call.
type BatchMutator interface {
	// MutateBatch invokes opName against all ids. Per-id failures are
	// reported in the results; the returned error covers the whole call.
	MutateBatch(ctx context.Context, req BatchMutateRequest) ([]BatchResult, error)
}

// Taggable writes and removes resource tags.
type Taggable interface {
	// Tag sets the given tags on a resource.
	Tag(ctx context.Context, req TagRequest) error

	// Untag removes the given tag keys from a resource.
	Untag(ctx context.Context, req UntagRequest) error
}

// ProviderClient is the minimum a resource binding must offer.
type ProviderClient interface {
	Fetchable
	Mutator
}

// ListRequest contains the parameters for a listing call.
type ListRequest struct {
	// ResourceType is the registry name of the type being listed.
	ResourceType string `json:"resource_type"`

	// Target is the account/region to list.
	Target Target `json:"target"`

	// Query holds provider-specific query parameters.
	Query Query `json:"query,omitempty"`
}

// Page is one page of listing results.
type Page struct {
	// Records are the resources on this page.
	Records []Record `json:"records"`

	// Last is true when no further pages exist.
	Last bool `json:"last"`
}

// DescribeRequest contains the parameters for a describe call.
type DescribeRequest struct {
	ResourceType string `json:"resource_type"`
	Target       Target `json:"target"`
	ID           string `json:"id"`
}

// MutateRequest contains the parameters for a mutating call.
type MutateRequest struct {
	// ResourceType is the registry name of the resource's type.
	ResourceType string `json:"resource_type"`

	// Target is the account/region of the resource.
	Target Target `json:"target"`

	// ID is the resource id.
	ID string `json:"id"`

	// Operation is the provider operation name (e.g., "stop").
	Operation string `json:"operation"`

	// Params are the action parameters.
	Params map[string]interface{} `json:"params,omitempty"`
}

// MutateResponse contains the result of a mutating call.
type MutateResponse struct {
	// Output is provider-returned data.
	Output map[string]interface{} `json:"output,omitempty"`
}

// BatchMutateRequest contains the parameters for a bulk mutating call.
type BatchMutateRequest struct {
	ResourceType string                 `json:"resource_type"`
	Target       Target                 `json:"target"`
	IDs          []string               `json:"ids"`
	Operation    string                 `json:"operation"`
	Params       map[string]interface{} `json:"params,omitempty"`
}

// BatchResult is the per-resource result of a bulk call.
type BatchResult struct {
	ID     string                 `json:"id"`
	Output map[string]interface{} `json:"output,omitempty"`
	Err    error                  `json:"-"`
}

// TagRequest sets tags on a resource.
type TagRequest struct {
	ResourceType string            `json:"resource_type"`
	Target       Target            `json:"target"`
	ID           string            `json:"id"`
	Tags         map[string]string `json:"tags"`
}

// UntagRequest removes tags from a resource.
type UntagRequest struct {
	ResourceType string   `json:"resource_type"`
	Target       Target   `json:"target"`
	ID           string   `json:"id"`
	Keys         []string `json:"keys"`
}
