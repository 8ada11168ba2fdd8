package fixture

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/registry"
)

// operation applies a provider operation to a stored record in place and
// returns the provider output.
type operation func(r engine.Record, params map[string]interface{}) (map[string]interface{}, error)

// errDeleted tells the client to drop the record after the operation.
var errDeleted = errors.New("deleted")

type binding struct {
	rt  engine.ResourceType
	ops map[string]operation
}

var table = []binding{
	{
		rt: engine.ResourceType{
			Name:       "aws.ec2",
			IDField:    "InstanceId",
			DateField:  "LaunchTime",
			TagsField:  "Tags",
			Dimensions: []string{"InstanceId"},
		},
		ops: map[string]operation{
			"stop":      setState("stopped"),
			"start":     setState("running"),
			"terminate": setState("terminated"),
		},
	},
	{
		rt: engine.ResourceType{
			Name:      "aws.ebs",
			IDField:   "VolumeId",
			DateField: "CreateTime",
			TagsField: "Tags",
		},
		ops: map[string]operation{
			"delete":   deleteRecord,
			"snapshot": snapshotVolume,
		},
	},
	{
		rt: engine.ResourceType{
			Name:      "aws.s3",
			IDField:   "Name",
			DateField: "CreationDate",
			TagsField: "Tags",
			Enrich:    true,
		},
		ops: map[string]operation{
			"delete":                  deleteRecord,
			"set-public-access-block": setPublicAccessBlock,
		},
	},
	{
		rt: engine.ResourceType{
			Name:      "azure.appserviceplan",
			IDField:   "name",
			TagsField: "tags",
		},
		ops: map[string]operation{
			"resize-plan": resizePlan,
		},
	},
}

// Table returns the resource types the fixture provider serves.
func Table() []engine.ResourceType {
	out := make([]engine.ResourceType, len(table))
	for i, b := range table {
		rt := b.rt
		rt.Actions = b.opNames()
		out[i] = rt
	}
	return out
}

// Register adds every fixture resource type to reg.
func Register(reg *registry.Registry) error {
	for _, rt := range Table() {
		if err := reg.Register(rt, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b binding) opNames() []string {
	names := make([]string, 0, len(b.ops))
	for name := range b.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupBinding(resourceType string) (binding, bool) {
	for _, b := range table {
		if b.rt.Name == resourceType {
			return b, true
		}
	}
	return binding{}, false
}

func setState(state string) operation {
	return func(r engine.Record, _ map[string]interface{}) (map[string]interface{}, error) {
		prev := ""
		if v, ok := r.Lookup("State.Name"); ok {
			prev, _ = v.(string)
		}
		if prev == "terminated" {
			return nil, engine.NewPermanentError("IncorrectInstanceState: instance is terminated", nil)
		}
		r["State"] = map[string]interface{}{"Name": state}
		return map[string]interface{}{"PreviousState": prev, "CurrentState": state}, nil
	}
}

func deleteRecord(engine.Record, map[string]interface{}) (map[string]interface{}, error) {
	return nil, errDeleted
}

func snapshotVolume(r engine.Record, _ map[string]interface{}) (map[string]interface{}, error) {
	id, _ := r["VolumeId"].(string)
	return map[string]interface{}{"SnapshotId": "snap-" + strings.TrimPrefix(id, "vol-")}, nil
}

func setPublicAccessBlock(r engine.Record, params map[string]interface{}) (map[string]interface{}, error) {
	block := map[string]interface{}{
		"BlockPublicAcls":       true,
		"IgnorePublicAcls":      true,
		"BlockPublicPolicy":     true,
		"RestrictPublicBuckets": true,
	}
	for k := range block {
		if v, ok := params[k].(bool); ok {
			block[k] = v
		}
	}
	r["PublicAccessBlockConfiguration"] = block
	return block, nil
}

// resizePlan changes an App Service plan's SKU. Plans backing consumption
// functions cannot be resized and are skipped.
func resizePlan(r engine.Record, params map[string]interface{}) (map[string]interface{}, error) {
	name := r.ID("name")
	if tier, ok := r.Lookup("sku.tier"); ok && strings.EqualFold(fmt.Sprint(tier), "Dynamic") {
		return nil, engine.NewSkippedError(fmt.Sprintf(
			"Skipping %s, because this App Service Plan is for Consumption Azure Functions.", name))
	}

	size, _ := params["size"].(string)
	if size == "" {
		return nil, engine.NewPermanentError("resize-plan requires a size", nil)
	}
	tier, err := skuTier(size)
	if err != nil {
		return nil, engine.NewPermanentError(err.Error(), nil)
	}

	sku := map[string]interface{}{"name": size, "tier": tier}
	r["sku"] = sku
	return map[string]interface{}{"sku": sku}, nil
}

// skuTier maps an App Service SKU name to its tier.
func skuTier(size string) (string, error) {
	s := strings.ToUpper(size)
	switch {
	case s == "":
		return "", fmt.Errorf("empty sku")
	case strings.HasSuffix(s, "V3") && s[0] == 'P':
		return "PREMIUMV3", nil
	case strings.HasSuffix(s, "V2") && s[0] == 'P':
		return "PREMIUMV2", nil
	}
	switch s[0] {
	case 'F':
		return "FREE", nil
	case 'D':
		return "SHARED", nil
	case 'B':
		return "BASIC", nil
	case 'S':
		return "STANDARD", nil
	case 'P':
		return "PREMIUM", nil
	case 'I':
		return "ISOLATED", nil
	}
	return "", fmt.Errorf("unknown App Service plan size %q", size)
}
