package spec

import (
	"maps"
	"slices"
	"sort"
	"strings"
)

// InternalEnvironment is the engine-level view of an Environment: one
// ServiceConfig per machine plus the workspace network. It is produced by
// recipe parsing and rewritten stage by stage (normalisation, provisioning);
// each stage returns a new value rather than mutating its input.
type InternalEnvironment struct {
	Network  string                   `json:"network,omitempty"`
	Services map[string]ServiceConfig `json:"services"`
}

// ServiceConfig is the container configuration of a single machine.
type ServiceConfig struct {
	ID            string            `json:"id,omitempty"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Build         *BuildConfig      `json:"build,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Entrypoint    []string          `json:"entrypoint,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`

	// Expose and Ports are sets of "<port>/<transport>"; Expose is reachable
	// from the workspace network, Ports is additionally published on the host.
	Expose map[string]struct{} `json:"expose,omitempty"`
	Ports  map[string]struct{} `json:"ports,omitempty"`

	Volumes     []string            `json:"volumes,omitempty"`
	VolumesFrom []string            `json:"volumes_from,omitempty"`
	Links       []string            `json:"links,omitempty"`
	Networks    map[string]struct{} `json:"networks,omitempty"`
	MemLimit    int64               `json:"mem_limit,omitempty"`
}

// BuildConfig describes how to build a service image. Either Context (a
// directory or URL the engine can fetch) or DockerfileContent is set.
type BuildConfig struct {
	Context           string            `json:"context,omitempty" yaml:"context,omitempty"`
	DockerfilePath    string            `json:"dockerfile,omitempty" yaml:"dockerfile,omitempty"`
	DockerfileContent string            `json:"dockerfile_content,omitempty" yaml:"dockerfile_content,omitempty"`
	Args              map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
}

// Clone returns a deep copy of b.
func (b *BuildConfig) Clone() *BuildConfig {
	if b == nil {
		return nil
	}
	out := *b
	out.Args = maps.Clone(b.Args)
	return &out
}

// Clone returns a deep copy of s.
func (s ServiceConfig) Clone() ServiceConfig {
	out := s
	out.Build = s.Build.Clone()
	out.Command = slices.Clone(s.Command)
	out.Entrypoint = slices.Clone(s.Entrypoint)
	out.Environment = maps.Clone(s.Environment)
	out.Labels = maps.Clone(s.Labels)
	out.Expose = maps.Clone(s.Expose)
	out.Ports = maps.Clone(s.Ports)
	out.Volumes = slices.Clone(s.Volumes)
	out.VolumesFrom = slices.Clone(s.VolumesFrom)
	out.Links = slices.Clone(s.Links)
	out.Networks = maps.Clone(s.Networks)
	return out
}

// Clone returns a deep copy of e.
func (e InternalEnvironment) Clone() InternalEnvironment {
	out := InternalEnvironment{
		Network:  e.Network,
		Services: make(map[string]ServiceConfig, len(e.Services)),
	}
	for name, svc := range e.Services {
		out.Services[name] = svc.Clone()
	}
	return out
}

// ServiceNames returns the service names in sorted order.
func (e InternalEnvironment) ServiceNames() []string {
	names := make([]string, 0, len(e.Services))
	for name := range e.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasBuild reports whether the service image is built rather than pulled.
func (s ServiceConfig) HasBuild() bool {
	return s.Build != nil && (s.Build.Context != "" || s.Build.DockerfileContent != "")
}

// SplitLink splits a "service[:alias]" link into its parts.
func SplitLink(link string) (service, alias string) {
	service, alias, _ = strings.Cut(link, ":")
	return service, alias
}

// SortedSet returns the members of a string set in sorted order.
func SortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizePort returns p in "<port>/<transport>" form, defaulting to tcp.
func NormalizePort(p string) string {
	if strings.Contains(p, "/") {
		return p
	}
	return p + "/tcp"
}
