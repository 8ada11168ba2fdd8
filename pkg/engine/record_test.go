package engine

import (
	"testing"
)

func testInstance() Record {
	return Record{
		"InstanceId": "i-0abc",
		"State":      map[string]interface{}{"Name": "running", "Code": 16},
		"Tags": []interface{}{
			map[string]interface{}{"Key": "Environment", "Value": "dev"},
			map[string]interface{}{"Key": "Owner", "Value": "platform"},
		},
		"BlockDeviceMappings": []interface{}{
			map[string]interface{}{"DeviceName": "/dev/xvda"},
		},
		"KernelId": nil,
	}
}

func TestRecord_Lookup(t *testing.T) {
	r := testInstance()

	tests := []struct {
		path      string
		want      interface{}
		wantFound bool
	}{
		{"InstanceId", "i-0abc", true},
		{"State.Name", "running", true},
		{"BlockDeviceMappings[0].DeviceName", "/dev/xvda", true},
		{"BlockDeviceMappings.0.DeviceName", "/dev/xvda", true},
		{"BlockDeviceMappings[3].DeviceName", nil, false},
		{"State.Missing", nil, false},
		{"KernelId", nil, true},
		{"", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, found := r.Lookup(tt.path)
			if found != tt.wantFound {
				t.Fatalf("Lookup(%q) found = %v, want %v", tt.path, found, tt.wantFound)
			}
			if got != tt.want {
				t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestRecord_ID(t *testing.T) {
	r := testInstance()
	if got := r.ID("InstanceId"); got != "i-0abc" {
		t.Errorf("ID() = %q", got)
	}
	if got := (Record{"id": 42}).ID("id"); got != "42" {
		t.Errorf("ID() = %q, want 42", got)
	}
	if got := (Record{"id": float64(1234567890)}).ID("id"); got != "1234567890" {
		t.Errorf("ID() = %q, want 1234567890", got)
	}
	if got := (Record{"id": 12.5}).ID("id"); got != "12.5" {
		t.Errorf("ID() = %q, want 12.5", got)
	}
	if got := r.ID("Nope"); got != "" {
		t.Errorf("ID() = %q, want empty", got)
	}
}

func TestRecord_Tags(t *testing.T) {
	tags := testInstance().Tags("")
	if len(tags) != 2 || tags["Environment"] != "dev" || tags["Owner"] != "platform" {
		t.Errorf("unexpected tags: %v", tags)
	}

	azure := Record{"tags": map[string]interface{}{"costcenter": "42", "env": "prod"}}
	v, ok := azure.Tag("tags", "env")
	if !ok || v != "prod" {
		t.Errorf("Tag() = %q, %v", v, ok)
	}

	if _, ok := (Record{}).Tag("", "x"); ok {
		t.Error("expected missing tag")
	}
}

func TestRecord_MergeDoesNotMutate(t *testing.T) {
	base := Record{"id": "a", "size": 1}
	merged := base.Merge(Record{"size": 2, "extra": true})

	if base["size"] != 1 {
		t.Error("Merge mutated the receiver")
	}
	if _, ok := base["extra"]; ok {
		t.Error("Merge added fields to the receiver")
	}
	if merged["size"] != 2 || merged["extra"] != true || merged["id"] != "a" {
		t.Errorf("unexpected merged record: %v", merged)
	}
}
