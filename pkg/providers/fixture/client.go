package fixture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Mutation is one recorded write.
type Mutation struct {
	ResourceType string
	ID           string
	Operation    string
	Params       map[string]interface{}
	Batch        bool
}

// Client is an in-memory provider client for one target. Writes change
// the stored records, so a later listing sees their effect.
type Client struct {
	mu sync.Mutex

	target    engine.Target
	pageSize  int
	resources map[string][]engine.Record
	details   map[string]map[string]engine.Record
	failures  map[string][]string

	mutations []Mutation
	calls     map[string]int
}

var (
	_ engine.ProviderClient = (*Client)(nil)
	_ engine.Enrichable     = (*Client)(nil)
	_ engine.BatchMutator   = (*Client)(nil)
	_ engine.Taggable       = (*Client)(nil)
)

func newClient(t engine.Target, td TargetData) (*Client, error) {
	c := &Client{
		target:    t,
		pageSize:  td.PageSize,
		resources: make(map[string][]engine.Record),
		details:   make(map[string]map[string]engine.Record),
		failures:  make(map[string][]string),
		calls:     make(map[string]int),
	}
	for name, records := range td.Resources {
		name = canonical(name)
		list := make([]engine.Record, len(records))
		for i, r := range records {
			list[i] = engine.Record(r)
		}
		c.resources[name] = list
	}
	for name, byID := range td.Details {
		name = canonical(name)
		m := make(map[string]engine.Record, len(byID))
		for id, fields := range byID {
			m[id] = engine.Record(fields)
		}
		c.details[name] = m
	}
	for key, kinds := range td.Failures {
		c.failures[key] = append([]string(nil), kinds...)
	}
	return c, nil
}

// NewClient returns an empty client for t.
func NewClient(t engine.Target) *Client {
	c, _ := newClient(t, TargetData{})
	return c
}

// Put appends records of resourceType.
func (c *Client) Put(resourceType string, records ...engine.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := canonical(resourceType)
	c.resources[name] = append(c.resources[name], records...)
}

// FailNext makes the next calls for key fail with the given kinds.
func (c *Client) FailNext(key string, kinds ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[key] = append(c.failures[key], kinds...)
}

// Mutations returns every write made so far, in call order.
func (c *Client) Mutations() []Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Mutation(nil), c.mutations...)
}

// Calls returns how many times key ("list:<type>", "describe:<id>",
// "<operation>:<id>") was called.
func (c *Client) Calls(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

// Records returns a snapshot of the stored records of resourceType.
func (c *Client) Records(resourceType string) []engine.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneAll(c.resources[canonical(resourceType)])
}

// call counts key and returns the next injected failure for it. The caller
// holds c.mu.
func (c *Client) call(key string) error {
	c.calls[key]++
	kinds := c.failures[key]
	if len(kinds) == 0 {
		return nil
	}
	c.failures[key] = kinds[1:]
	return failureError(kinds[0], key)
}

// List implements engine.Fetchable. Query entries select records whose
// field (a dotted path) equals the given value.
func (c *Client) List(ctx context.Context, req engine.ListRequest) (engine.PageIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call("list:" + req.ResourceType); err != nil {
		return nil, err
	}

	var matched []engine.Record
	for _, r := range c.resources[req.ResourceType] {
		if matchesQuery(r, req.Query) {
			matched = append(matched, r.Clone())
		}
	}
	return &pager{records: matched, size: c.pageSize}, nil
}

func matchesQuery(r engine.Record, q engine.Query) bool {
	for key, want := range q {
		got, ok := r.Lookup(key)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

type pager struct {
	records []engine.Record
	size    int
	next    int
	done    bool
}

// NextPage implements engine.PageIterator.
func (p *pager) NextPage(ctx context.Context) (*engine.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.done {
		return &engine.Page{Last: true}, nil
	}
	end := len(p.records)
	if p.size > 0 && p.next+p.size < end {
		end = p.next + p.size
	}
	page := &engine.Page{Records: p.records[p.next:end], Last: end == len(p.records)}
	p.next = end
	p.done = page.Last
	return page, nil
}

// Describe implements engine.Enrichable.
func (c *Client) Describe(ctx context.Context, req engine.DescribeRequest) (engine.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call("describe:" + req.ID); err != nil {
		return nil, err
	}
	if _, ok := c.find(req.ResourceType, req.ID); !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", req.ResourceType, req.ID), nil)
	}
	extra := c.details[req.ResourceType][req.ID]
	if extra == nil {
		return engine.Record{}, nil
	}
	return extra.Clone(), nil
}

// Mutate implements engine.Mutator.
func (c *Client) Mutate(ctx context.Context, req engine.MutateRequest) (*engine.MutateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.mutate(req.ResourceType, req.ID, req.Operation, req.Params, false)
	if err != nil {
		return nil, err
	}
	return &engine.MutateResponse{Output: out}, nil
}

// MutateBatch implements engine.BatchMutator. Per-id failures are reported
// in the results.
func (c *Client) MutateBatch(ctx context.Context, req engine.BatchMutateRequest) ([]engine.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call("batch:" + req.Operation); err != nil {
		return nil, err
	}
	results := make([]engine.BatchResult, len(req.IDs))
	for i, id := range req.IDs {
		out, err := c.mutate(req.ResourceType, id, req.Operation, req.Params, true)
		results[i] = engine.BatchResult{ID: id, Output: out, Err: err}
	}
	return results, nil
}

// mutate applies one operation. The caller holds c.mu.
func (c *Client) mutate(resourceType, id, op string, params map[string]interface{}, batch bool) (map[string]interface{}, error) {
	if err := c.call(op + ":" + id); err != nil {
		return nil, err
	}
	b, ok := lookupBinding(resourceType)
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("resource type %s is not served by the fixture provider", resourceType), nil)
	}
	fn, ok := b.ops[op]
	if !ok {
		return nil, engine.NewPermanentError(fmt.Sprintf("operation %s is not supported by %s", op, resourceType), nil)
	}
	idx, ok := c.find(resourceType, id)
	if !ok {
		return nil, engine.NewNotFoundError(fmt.Sprintf("%s %s not found", resourceType, id), nil)
	}

	out, err := fn(c.resources[resourceType][idx], params)
	switch {
	case errors.Is(err, errDeleted):
		list := c.resources[resourceType]
		c.resources[resourceType] = append(list[:idx:idx], list[idx+1:]...)
		out = map[string]interface{}{"Deleted": id}
	case err != nil:
		return nil, err
	}

	c.mutations = append(c.mutations, Mutation{
		ResourceType: resourceType,
		ID:           id,
		Operation:    op,
		Params:       params,
		Batch:        batch,
	})
	return out, nil
}

// Tag implements engine.Taggable.
func (c *Client) Tag(ctx context.Context, req engine.TagRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call("tag:" + req.ID); err != nil {
		return err
	}
	idx, ok := c.find(req.ResourceType, req.ID)
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", req.ResourceType, req.ID), nil)
	}
	field := tagsField(req.ResourceType)
	r := c.resources[req.ResourceType][idx]
	tags := r.Tags(field)
	for k, v := range req.Tags {
		tags[k] = v
	}
	r[field] = encodeTags(field, r[field], tags)

	params := make(map[string]interface{}, len(req.Tags))
	for k, v := range req.Tags {
		params[k] = v
	}
	c.mutations = append(c.mutations, Mutation{ResourceType: req.ResourceType, ID: req.ID, Operation: "tag", Params: params})
	return nil
}

// Untag implements engine.Taggable.
func (c *Client) Untag(ctx context.Context, req engine.UntagRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.call("untag:" + req.ID); err != nil {
		return err
	}
	idx, ok := c.find(req.ResourceType, req.ID)
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("%s %s not found", req.ResourceType, req.ID), nil)
	}
	field := tagsField(req.ResourceType)
	r := c.resources[req.ResourceType][idx]
	tags := r.Tags(field)
	for _, k := range req.Keys {
		delete(tags, k)
	}
	r[field] = encodeTags(field, r[field], tags)

	keys := make([]interface{}, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = k
	}
	c.mutations = append(c.mutations, Mutation{
		ResourceType: req.ResourceType,
		ID:           req.ID,
		Operation:    "untag",
		Params:       map[string]interface{}{"keys": keys},
	})
	return nil
}

// find returns the index of the record with id. The caller holds c.mu.
func (c *Client) find(resourceType, id string) (int, bool) {
	idField := "id"
	if b, ok := lookupBinding(resourceType); ok {
		idField = b.rt.IDField
	}
	for i, r := range c.resources[resourceType] {
		if r.ID(idField) == id {
			return i, true
		}
	}
	return 0, false
}

func tagsField(resourceType string) string {
	if b, ok := lookupBinding(resourceType); ok && b.rt.TagsField != "" {
		return b.rt.TagsField
	}
	return "Tags"
}

// encodeTags writes tags back in the shape the record already uses: the
// AWS [{Key, Value}] list, or the Azure plain map.
func encodeTags(field string, previous interface{}, tags map[string]string) interface{} {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	_, isMap := previous.(map[string]interface{})
	if isMap || (previous == nil && field == "tags") {
		m := make(map[string]interface{}, len(tags))
		for _, k := range keys {
			m[k] = tags[k]
		}
		return m
	}
	list := make([]interface{}, len(keys))
	for i, k := range keys {
		list[i] = map[string]interface{}{"Key": k, "Value": tags[k]}
	}
	return list
}

func cloneAll(records []engine.Record) []engine.Record {
	out := make([]engine.Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
