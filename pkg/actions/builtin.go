package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/filters"
)

const (
	defaultMarkDays    = 4
	defaultMarkMessage = "Resource does not meet policy"
)

func taggable(c *call) (engine.Taggable, error) {
	t, ok := c.client.(engine.Taggable)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("client for %s does not support tagging", c.rtype.Name), nil)
	}
	return t, nil
}

// tagAction sets tags: either a tags mapping or a single key/value pair.
type tagAction struct {
	tags map[string]string
}

func newTagAction(spec Spec, _ engine.ResourceType) (handler, error) {
	if err := only(spec.Params, "tags", "key", "value"); err != nil {
		return nil, err
	}
	if err := validateReferences(spec.Params); err != nil {
		return nil, err
	}
	a := &tagAction{}
	if raw, ok := spec.Params["tags"]; ok {
		m, ok := toStringMap(raw)
		if !ok || len(m) == 0 {
			return nil, fmt.Errorf("tags must be a non-empty mapping")
		}
		a.tags = make(map[string]string, len(m))
		for k, v := range m {
			a.tags[k] = fmt.Sprint(v)
		}
		return a, nil
	}
	key, err := stringParam(spec.Params, "key")
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("tags or key is required")
	}
	if _, ok := spec.Params["value"]; !ok {
		return nil, fmt.Errorf("value is required with key")
	}
	return a, nil
}

func (a *tagAction) apply(ctx context.Context, c *call) (map[string]interface{}, error) {
	tagger, err := taggable(c)
	if err != nil {
		return nil, err
	}
	tags := a.tags
	if tags == nil {
		key, _ := c.params["key"].(string)
		tags = map[string]string{key: fmt.Sprint(c.params["value"])}
	}
	if err := tagger.Tag(ctx, engine.TagRequest{
		ResourceType: c.rtype.Name,
		Target:       c.target,
		ID:           c.id,
		Tags:         tags,
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"tags": tags}, nil
}

// removeTagAction removes the listed tag keys.
type removeTagAction struct {
	keys []string
}

func newRemoveTagAction(spec Spec, _ engine.ResourceType) (handler, error) {
	if err := only(spec.Params, "tags", "key"); err != nil {
		return nil, err
	}
	keys, err := stringListParam(spec.Params, "tags")
	if err != nil {
		return nil, err
	}
	key, err := stringParam(spec.Params, "key")
	if err != nil {
		return nil, err
	}
	if key != "" {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("tags or key is required")
	}
	return &removeTagAction{keys: keys}, nil
}

func (a *removeTagAction) apply(ctx context.Context, c *call) (map[string]interface{}, error) {
	return untag(ctx, c, a.keys)
}

func untag(ctx context.Context, c *call, keys []string) (map[string]interface{}, error) {
	tagger, err := taggable(c)
	if err != nil {
		return nil, err
	}
	if err := tagger.Untag(ctx, engine.UntagRequest{
		ResourceType: c.rtype.Name,
		Target:       c.target,
		ID:           c.id,
		Keys:         keys,
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"removed": keys}, nil
}

// markForOpAction writes a deferred operation into the mark tag. The
// marked-for-op filter picks the resource up once the due date passes.
type markForOpAction struct {
	op      string
	tag     string
	message string
	delay   time.Duration
	// byDay marks come due at midnight UTC of their day.
	byDay bool
}

func newMarkForOpAction(spec Spec, rt engine.ResourceType) (handler, error) {
	if err := only(spec.Params, "op", "days", "hours", "msg", "tag"); err != nil {
		return nil, err
	}
	op, err := stringParam(spec.Params, "op")
	if err != nil {
		return nil, err
	}
	if op == "" {
		return nil, fmt.Errorf("op is required")
	}
	if _, builtin := builtins[op]; !builtin && !rt.SupportsAction(op) {
		return nil, fmt.Errorf("op %q is not an action of %s", op, rt.Name)
	}

	days, hasDays, err := numberParam(spec.Params, "days")
	if err != nil {
		return nil, err
	}
	hours, _, err := numberParam(spec.Params, "hours")
	if err != nil {
		return nil, err
	}
	if !hasDays && hours == 0 {
		days = defaultMarkDays
	}
	if days < 0 || hours < 0 {
		return nil, fmt.Errorf("days and hours must not be negative")
	}

	a := &markForOpAction{
		op:    op,
		delay: time.Duration(days*24*float64(time.Hour)) + time.Duration(hours*float64(time.Hour)),
		byDay: hours == 0,
	}
	if a.tag, err = stringParam(spec.Params, "tag"); err != nil {
		return nil, err
	}
	if a.tag == "" {
		a.tag = filters.DefaultMarkTag
	}
	if a.message, err = stringParam(spec.Params, "msg"); err != nil {
		return nil, err
	}
	if a.message == "" {
		a.message = defaultMarkMessage
	}
	return a, nil
}

func (a *markForOpAction) apply(ctx context.Context, c *call) (map[string]interface{}, error) {
	tagger, err := taggable(c)
	if err != nil {
		return nil, err
	}
	due := c.now.Add(a.delay).UTC()
	if a.byDay {
		due = time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
	}
	message := strings.NewReplacer(
		"{op}", a.op,
		"{action_date}", filters.FormatMarkDue(due),
	).Replace(a.message)

	mark := filters.Mark{Message: message, Op: a.op, Due: due}
	value := mark.String()
	if err := tagger.Tag(ctx, engine.TagRequest{
		ResourceType: c.rtype.Name,
		Target:       c.target,
		ID:           c.id,
		Tags:         map[string]string{a.tag: value},
	}); err != nil {
		return nil, err
	}
	return map[string]interface{}{"tag": a.tag, "value": value}, nil
}

// unmarkAction removes mark tags.
type unmarkAction struct {
	keys []string
}

func newUnmarkAction(spec Spec, _ engine.ResourceType) (handler, error) {
	if err := only(spec.Params, "tags"); err != nil {
		return nil, err
	}
	keys, err := stringListParam(spec.Params, "tags")
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		keys = []string{filters.DefaultMarkTag}
	}
	return &unmarkAction{keys: keys}, nil
}

func (a *unmarkAction) apply(ctx context.Context, c *call) (map[string]interface{}, error) {
	return untag(ctx, c, a.keys)
}

// notifyAction publishes a notification event for each resource. Delivery
// to mail or chat is left to event subscribers.
type notifyAction struct {
	subject string
	to      []string
}

func newNotifyAction(spec Spec, _ engine.ResourceType) (handler, error) {
	if err := only(spec.Params, "message", "subject", "to"); err != nil {
		return nil, err
	}
	if err := validateReferences(spec.Params); err != nil {
		return nil, err
	}
	a := &notifyAction{}
	var err error
	if a.subject, err = stringParam(spec.Params, "subject"); err != nil {
		return nil, err
	}
	if a.to, err = stringListParam(spec.Params, "to"); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *notifyAction) apply(_ context.Context, c *call) (map[string]interface{}, error) {
	message := fmt.Sprint(c.params["message"])
	if c.params["message"] == nil {
		message = fmt.Sprintf("%s matched policy %s", c.id, c.policy)
	}
	data := map[string]interface{}{
		"resource_type": c.rtype.Name,
		"target":        c.target.String(),
		"resource":      map[string]interface{}(c.record),
	}
	if a.subject != "" {
		data["subject"] = a.subject
	}
	if len(a.to) > 0 {
		data["to"] = a.to
	}
	if err := c.events.PublishNotification(c.runID, c.policy, c.id, message, data); err != nil {
		return nil, fmt.Errorf("failed to publish notification: %w", err)
	}
	return map[string]interface{}{"message": message}, nil
}

// providerAction invokes an operation the resource type declares.
type providerAction struct {
	op string
}

func newProviderAction(spec Spec, _ engine.ResourceType) (handler, error) {
	if err := validateReferences(spec.Params); err != nil {
		return nil, err
	}
	return &providerAction{op: spec.Type}, nil
}

func (a *providerAction) apply(ctx context.Context, c *call) (map[string]interface{}, error) {
	resp, err := c.client.Mutate(ctx, engine.MutateRequest{
		ResourceType: c.rtype.Name,
		Target:       c.target,
		ID:           c.id,
		Operation:    a.op,
		Params:       c.params,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Output, nil
}

func (a *providerAction) applyBatch(ctx context.Context, client engine.BatchMutator, req engine.BatchMutateRequest) ([]engine.BatchResult, error) {
	req.Operation = a.op
	return client.MutateBatch(ctx, req)
}
