package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudsteward/steward/pkg/engine"
)

// Key identifies one cached listing: the same query for the same resource
// type in the same account and region.
type Key struct {
	Account      string
	Region       string
	ResourceType string
	QueryHash    string
}

// NewKey builds the cache key for a listing.
func NewKey(target engine.Target, resourceType string, query engine.Query) Key {
	return Key{
		Account:      target.Account,
		Region:       target.Region,
		ResourceType: resourceType,
		QueryHash:    hashQuery(query),
	}
}

// String returns the storage form of the key.
func (k Key) String() string {
	return strings.Join([]string{k.Account, k.Region, k.ResourceType, k.QueryHash}, "/")
}

// hashQuery hashes the canonical JSON form of q. encoding/json writes map
// keys in sorted order, so equal queries hash equally.
func hashQuery(q engine.Query) string {
	if len(q) == 0 {
		return "-"
	}
	data, err := json.Marshal(q)
	if err != nil {
		// fmt also prints maps in key order.
		data = []byte(fmt.Sprintf("%v", map[string]interface{}(q)))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
