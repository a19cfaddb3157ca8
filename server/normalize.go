package server

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/server/recipe"
	"github.com/matgreaves/wsrig/spec"
)

// DefaultMemoryLimit is applied to services without a memory limit.
const DefaultMemoryLimit = 2 << 30

// Normalizer resolves the identifiers of an InternalEnvironment: the
// workspace network, per-service ids and container names, and the links and
// volumes-from references between services.
type Normalizer struct {
	// DefaultMemLimit defaults to DefaultMemoryLimit.
	DefaultMemLimit int64
	// RecipePattern matches build contexts served by the recipe API. Matching
	// contexts are downloaded and inlined as Dockerfile content.
	RecipePattern *regexp.Regexp
	Downloader    recipe.Downloader
	Log           *slog.Logger
}

func (n *Normalizer) log() *slog.Logger {
	if n.Log != nil {
		return n.Log
	}
	return slog.Default().With(slog.String("component", "normalizer"))
}

// Normalize returns a normalised copy of ienv. Neither env nor ienv is
// modified, and nothing is returned if any recipe download fails.
func (n *Normalizer) Normalize(ctx context.Context, env spec.Environment, ienv spec.InternalEnvironment, id spec.RuntimeIdentity) (spec.InternalEnvironment, error) {
	out := ienv.Clone()
	out.Network = id.WorkspaceID + "_" + cuid2.Generate()

	defaultMem := n.DefaultMemLimit
	if defaultMem <= 0 {
		defaultMem = DefaultMemoryLimit
	}

	names := out.ServiceNames()
	for _, name := range names {
		svc := out.Services[name]

		if svc.MemLimit <= 0 {
			svc.MemLimit = machineMemory(env.Machines[name], defaultMem)
		}

		if svc.Build != nil && svc.Build.Context != "" && n.RecipePattern != nil && n.RecipePattern.MatchString(svc.Build.Context) {
			if n.Downloader == nil {
				return spec.InternalEnvironment{}, errdefs.Internalf("service %q: recipe %s needs a downloader", name, svc.Build.Context)
			}
			content, err := n.Downloader.Download(ctx, svc.Build.Context)
			if err != nil {
				return spec.InternalEnvironment{}, errdefs.Infrastructuref(err, "service %q: download recipe", name)
			}
			n.log().Debug("inlined recipe", slog.String("service", name), slog.String("location", svc.Build.Context))
			svc.Build.DockerfileContent = content
			svc.Build.Context = ""
		}

		if svc.ID == "" {
			svc.ID = uuid.NewString()
		}
		svc.ContainerName = ContainerName(id, svc.ID, name)
		out.Services[name] = svc
	}

	// References may name a service or, after a previous normalisation, its
	// container.
	resolve := make(map[string]string, 2*len(names))
	for _, name := range names {
		cn := out.Services[name].ContainerName
		resolve[name] = cn
		resolve[cn] = cn
	}

	for _, name := range names {
		svc := out.Services[name]
		for i, ref := range svc.VolumesFrom {
			// volumes_from entries may carry an access mode suffix.
			target, mode, _ := strings.Cut(ref, ":")
			cn, ok := resolve[target]
			if !ok {
				return spec.InternalEnvironment{}, errdefs.Validationf("service %q: volumes_from references unknown service %q", name, target)
			}
			if mode != "" {
				cn += ":" + mode
			}
			svc.VolumesFrom[i] = cn
		}
		for i, link := range svc.Links {
			target, alias := spec.SplitLink(link)
			cn, ok := resolve[target]
			if !ok {
				return spec.InternalEnvironment{}, errdefs.Validationf("service %q: link references unknown service %q", name, target)
			}
			if alias != "" {
				cn += ":" + alias
			}
			svc.Links[i] = cn
		}
		out.Services[name] = svc
	}

	return out, nil
}

func machineMemory(mc spec.MachineConfig, fallback int64) int64 {
	if v, ok := mc.Attributes[spec.AttrMemoryLimit]; ok {
		if mem, err := strconv.ParseInt(v, 10, 64); err == nil && mem > 0 {
			return mem
		}
	}
	return fallback
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// ContainerName returns the engine name of a machine container. It depends
// only on its inputs.
func ContainerName(id spec.RuntimeIdentity, serviceID, machineName string) string {
	name := strings.Join([]string{id.WorkspaceID, serviceID, id.Owner, machineName}, "_")
	name = invalidNameChars.ReplaceAllString(name, "-")
	// Engine names must start with an alphanumeric character.
	name = strings.TrimLeft(name, "_.-")
	if name == "" {
		name = "machine"
	}
	return name
}
