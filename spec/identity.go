package spec

import (
	"fmt"
	"strings"
)

// RuntimeIdentity correlates every asynchronous operation of one workspace
// runtime. Two identities are equal iff all three fields match, so the type
// is comparable with ==.
type RuntimeIdentity struct {
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	EnvName     string `json:"env_name" yaml:"env_name"`
	Owner       string `json:"owner" yaml:"owner"`
}

// String renders the composite runtime id passed to in-container processes.
func (id RuntimeIdentity) String() string {
	return id.WorkspaceID + ":" + id.EnvName + ":" + id.Owner
}

// Validate reports fields that would not survive a String/ParseRuntimeID
// round trip. The owner is the last field and may contain ':'.
func (id RuntimeIdentity) Validate() error {
	for _, f := range []struct{ name, value string }{
		{"workspace_id", id.WorkspaceID},
		{"env_name", id.EnvName},
	} {
		if strings.Contains(f.value, ":") {
			return fmt.Errorf("%s %q must not contain ':'", f.name, f.value)
		}
	}
	return nil
}

// ParseRuntimeID is the inverse of RuntimeIdentity.String.
func ParseRuntimeID(s string) (RuntimeIdentity, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return RuntimeIdentity{}, fmt.Errorf("invalid runtime id %q: want workspace:env:owner", s)
	}
	return RuntimeIdentity{WorkspaceID: parts[0], EnvName: parts[1], Owner: parts[2]}, nil
}
