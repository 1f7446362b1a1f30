package v1

import (
	"encoding/json"
	"fmt"
	"strings"

	"shelfgate/pkg/constraints"
)

// Kind distinguishes persisted flag rows from administrator overrides in the
// mirrored keyspace and on the wire.
type Kind string

const (
	KindRow      Kind = "row"
	KindOverride Kind = "override"
	// KindPing is only used on the stream plane as a heartbeat.
	KindPing Kind = "ping"
)

const RootPrefix = "/shelfgate/"

// Entry is the wire form of one layer record for a (scope, tenant, key)
// triple. For KindRow the Enabled/Rollout fields apply; for KindOverride the
// Value pointer carries the force value, nil meaning the override is cleared.
type Entry struct {
	Scope         string   `json:"scope"`
	TenantID      string   `json:"tenant_id,omitempty"`
	Key           string   `json:"key"`
	Kind          Kind     `json:"kind"`
	Enabled       bool     `json:"enabled"`
	Value         *bool    `json:"value,omitempty"`
	Rollout       string   `json:"rollout,omitempty"`
	Regions       []string `json:"regions,omitempty"`
	AllowOverride bool     `json:"allow_override,omitempty"`
	Version       int      `json:"version"`
	Revision      int64    `json:"revision"`
}

// Update is what the watch plane pushes to SDK clients.
type Update struct {
	Entry
	Action constraints.Action `json:"action"`
}

func (e *Entry) ToJSON() string {
	b, err := json.Marshal(e)
	if err != nil {
		panic("shelfgate entry serialization failed: " + err.Error())
	}
	return string(b)
}

// Path returns the mirrored keyspace location of this entry.
// Platform: /shelfgate/platform/{flags|overrides}/<key>
// Tenant:   /shelfgate/tenants/<tenant>/{flags|overrides}/<key>
func (e *Entry) Path() string {
	segment := "flags"
	if e.Kind == KindOverride {
		segment = "overrides"
	}
	if e.Scope == constraints.ScopeTenant {
		return fmt.Sprintf("%stenants/%s/%s/%s", RootPrefix, e.TenantID, segment, e.Key)
	}
	return fmt.Sprintf("%splatform/%s/%s", RootPrefix, segment, e.Key)
}

// ParsePath recovers scope, tenant, kind and key from a mirrored keyspace
// path. Needed for delete events, which carry no value.
func ParsePath(path string) (scope, tenantID string, kind Kind, key string, ok bool) {
	rest, found := strings.CutPrefix(path, RootPrefix)
	if !found {
		return "", "", "", "", false
	}
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 3 && parts[0] == "platform":
		scope = constraints.ScopePlatform
		kind, key = segmentKind(parts[1]), parts[2]
	case len(parts) == 4 && parts[0] == "tenants":
		scope = constraints.ScopeTenant
		tenantID, kind, key = parts[1], segmentKind(parts[2]), parts[3]
	default:
		return "", "", "", "", false
	}
	if kind == "" || key == "" {
		return "", "", "", "", false
	}
	return scope, tenantID, kind, key, true
}

func segmentKind(s string) Kind {
	switch s {
	case "flags":
		return KindRow
	case "overrides":
		return KindOverride
	}
	return ""
}
