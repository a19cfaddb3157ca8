package recipe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/spec"
)

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image       string        `yaml:"image"`
	Build       *composeBuild `yaml:"build"`
	Command     stringList    `yaml:"command"`
	Entrypoint  stringList    `yaml:"entrypoint"`
	Environment stringMap     `yaml:"environment"`
	Labels      stringMap     `yaml:"labels"`
	Expose      stringList    `yaml:"expose"`
	Ports       stringList    `yaml:"ports"`
	Volumes     stringList    `yaml:"volumes"`
	VolumesFrom stringList    `yaml:"volumes_from"`
	Links       stringList    `yaml:"links"`
	Networks    stringList    `yaml:"networks"`
	MemLimit    string        `yaml:"mem_limit"`
}

type composeBuild struct {
	Context    string    `yaml:"context"`
	Dockerfile string    `yaml:"dockerfile"`
	Args       stringMap `yaml:"args"`
}

// UnmarshalYAML accepts the short form "build: ./dir".
func (b *composeBuild) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		b.Context = n.Value
		return nil
	}
	type plain composeBuild
	return n.Decode((*plain)(b))
}

// stringList accepts a sequence, a mapping (its keys) or a whitespace
// separated scalar.
type stringList []string

func (l *stringList) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		*l = strings.Fields(n.Value)
	case yaml.SequenceNode:
		out := make([]string, 0, len(n.Content))
		for _, c := range n.Content {
			if c.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a scalar", c.Line)
			}
			out = append(out, c.Value)
		}
		*l = out
	case yaml.MappingNode:
		out := make([]string, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			out = append(out, n.Content[i].Value)
		}
		sort.Strings(out)
		*l = out
	default:
		return fmt.Errorf("line %d: expected a list", n.Line)
	}
	return nil
}

// stringMap accepts a mapping or a sequence of "KEY=VALUE" entries.
type stringMap map[string]string

func (m *stringMap) UnmarshalYAML(n *yaml.Node) error {
	out := make(map[string]string)
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			out[n.Content[i].Value] = n.Content[i+1].Value
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			k, v, _ := strings.Cut(c.Value, "=")
			out[k] = v
		}
	default:
		return fmt.Errorf("line %d: expected a mapping or a list", n.Line)
	}
	*m = out
	return nil
}

// ParseCompose converts a compose document into service configs keyed by
// service name.
func ParseCompose(data []byte) (map[string]spec.ServiceConfig, error) {
	var f composeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errdefs.Validationf("parse compose recipe: %v", err)
	}
	if len(f.Services) == 0 {
		return nil, errdefs.Validationf("compose recipe declares no services")
	}

	out := make(map[string]spec.ServiceConfig, len(f.Services))
	for name, cs := range f.Services {
		svc := spec.ServiceConfig{
			Image:       cs.Image,
			Command:     cs.Command,
			Entrypoint:  cs.Entrypoint,
			Environment: cs.Environment,
			Labels:      cs.Labels,
			Volumes:     cs.Volumes,
			VolumesFrom: cs.VolumesFrom,
			Links:       cs.Links,
		}
		if cs.Build != nil {
			svc.Build = &spec.BuildConfig{
				Context:        cs.Build.Context,
				DockerfilePath: cs.Build.Dockerfile,
				Args:           cs.Build.Args,
			}
		}
		if len(cs.Expose) > 0 {
			svc.Expose = make(map[string]struct{}, len(cs.Expose))
			for _, p := range cs.Expose {
				svc.Expose[spec.NormalizePort(p)] = struct{}{}
			}
		}
		if len(cs.Ports) > 0 {
			svc.Ports = make(map[string]struct{}, len(cs.Ports))
			for _, p := range cs.Ports {
				svc.Ports[containerPort(p)] = struct{}{}
			}
		}
		if len(cs.Networks) > 0 {
			svc.Networks = make(map[string]struct{}, len(cs.Networks))
			for _, n := range cs.Networks {
				svc.Networks[n] = struct{}{}
			}
		}
		if cs.MemLimit != "" {
			limit, err := units.RAMInBytes(cs.MemLimit)
			if err != nil {
				return nil, errdefs.Validationf("service %q: invalid mem_limit %q", name, cs.MemLimit)
			}
			svc.MemLimit = limit
		}
		out[name] = svc
	}
	return out, nil
}

// containerPort extracts the container side of a compose port mapping such
// as "8080", "8080:80" or "127.0.0.1:8080:80/udp".
func containerPort(mapping string) string {
	if i := strings.LastIndex(mapping, ":"); i >= 0 {
		mapping = mapping[i+1:]
	}
	return spec.NormalizePort(mapping)
}
