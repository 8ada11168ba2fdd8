package fixture

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Document is the on-disk fixture format:
//
//	targets:
//	  - account: "123456789012"
//	    region: us-east-1
//	    page_size: 50
//	    resources:
//	      aws.ec2:
//	        - InstanceId: i-0abc
//	          State: {Name: running}
//	    details:
//	      aws.ec2:
//	        i-0abc: {Monitoring: {State: disabled}}
//	    failures:
//	      "stop:i-0abc": [throttled, throttled]
type Document struct {
	Targets []TargetData `yaml:"targets" json:"targets" validate:"required,min=1,dive"`
}

// TargetData holds the resources of one account/region.
type TargetData struct {
	Account string `yaml:"account" json:"account" validate:"required"`
	Region  string `yaml:"region" json:"region" validate:"required"`

	// PageSize splits listings into pages. Zero serves one page.
	PageSize int `yaml:"page_size" json:"page_size" validate:"gte=0"`

	// Resources maps a resource type to its records, in listing order.
	Resources map[string][]map[string]interface{} `yaml:"resources" json:"resources"`

	// Details maps a resource type and id to the fields Describe returns.
	Details map[string]map[string]map[string]interface{} `yaml:"details" json:"details"`

	// Failures maps "list:<type>", "describe:<id>" or "<operation>:<id>" to
	// errors returned, in order, before the call succeeds.
	Failures map[string][]string `yaml:"failures" json:"failures" validate:"dive,dive,oneof=throttled unauthorized not_found transient permanent"`
}

var validate = validator.New()

// Load reads a fixture document from path.
func Load(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a YAML or JSON fixture document.
func Parse(data []byte) (*Fixture, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return New(doc)
}

// Fixture is a set of in-memory clients, one per target.
type Fixture struct {
	targets []engine.Target
	clients map[engine.Target]*Client
}

// New builds clients from doc. Targets keep their document order.
func New(doc Document) (*Fixture, error) {
	f := &Fixture{clients: make(map[engine.Target]*Client)}
	for i, td := range doc.Targets {
		t := engine.Target{Account: td.Account, Region: td.Region}
		if _, dup := f.clients[t]; dup {
			return nil, fmt.Errorf("targets[%d]: duplicate target %s", i, t)
		}
		c, err := newClient(t, td)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		f.targets = append(f.targets, t)
		f.clients[t] = c
	}
	return f, nil
}

// Targets returns the fixture's targets in document order.
func (f *Fixture) Targets() []engine.Target {
	return append([]engine.Target(nil), f.targets...)
}

// Client returns the client for t, or nil.
func (f *Fixture) Client(t engine.Target) *Client {
	return f.clients[t]
}

// canonical adds the default provider prefix to bare type names.
func canonical(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "aws." + name
}

func failureError(kind, call string) error {
	msg := fmt.Sprintf("injected %s failure for %s", kind, call)
	switch kind {
	case "throttled":
		return engine.NewThrottledError(msg, nil)
	case "unauthorized":
		return engine.NewUnauthorizedError(msg, nil)
	case "not_found":
		return engine.NewNotFoundError(msg, nil)
	case "transient":
		return engine.NewTransientError(msg, nil)
	default:
		return engine.NewPermanentError(msg, nil)
	}
}
