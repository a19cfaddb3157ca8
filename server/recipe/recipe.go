// Package recipe materialises an Environment's recipes into the engine-level
// InternalEnvironment, one ServiceConfig per machine.
package recipe

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/spec"
)

// Parser materialises recipes. Recipes that carry only a Location are
// fetched through Downloader.
type Parser struct {
	Downloader Downloader
	Log        *slog.Logger
}

func (p *Parser) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// Parse returns the InternalEnvironment described by env. env is not
// modified. Every machine must end up with an image or a build source.
func (p *Parser) Parse(ctx context.Context, env spec.Environment) (spec.InternalEnvironment, error) {
	ienv := spec.InternalEnvironment{Services: make(map[string]spec.ServiceConfig)}

	if env.Recipe != nil {
		services, err := p.environmentRecipe(ctx, *env.Recipe)
		if err != nil {
			return spec.InternalEnvironment{}, err
		}
		for name, svc := range services {
			ienv.Services[name] = svc
		}
		for name := range env.Machines {
			if _, ok := ienv.Services[name]; !ok {
				return spec.InternalEnvironment{}, errdefs.Validationf("machine %q is not declared in the environment recipe", name)
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(env.Machines)) {
		svc, err := applyMachine(name, env.Machines[name], ienv.Services[name])
		if err != nil {
			return spec.InternalEnvironment{}, err
		}
		ienv.Services[name] = svc
	}

	for _, name := range ienv.ServiceNames() {
		svc := ienv.Services[name]
		if svc.Image == "" && !svc.HasBuild() {
			return spec.InternalEnvironment{}, errdefs.Validationf("machine %q has no image or build source", name)
		}
	}

	p.log().Debug("recipes materialised", slog.Int("services", len(ienv.Services)))
	return ienv, nil
}

func (p *Parser) environmentRecipe(ctx context.Context, r spec.Recipe) (map[string]spec.ServiceConfig, error) {
	if r.Type != spec.RecipeCompose {
		return nil, errdefs.Validationf("environment recipe type %q is not supported, want %q", r.Type, spec.RecipeCompose)
	}
	content := r.Content
	if content == "" && r.Location != "" {
		if p.Downloader == nil {
			return nil, errdefs.Validationf("environment recipe %s cannot be fetched: no downloader configured", r.Location)
		}
		var err error
		content, err = p.Downloader.Download(ctx, r.Location)
		if err != nil {
			return nil, errdefs.Infrastructuref(err, "fetch environment recipe %s", r.Location)
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil, errdefs.Validationf("environment recipe is empty")
	}
	return ParseCompose([]byte(content))
}

// applyMachine layers a machine's own recipe and inline settings over base.
func applyMachine(name string, mc spec.MachineConfig, base spec.ServiceConfig) (spec.ServiceConfig, error) {
	svc := base.Clone()

	if r := mc.Recipe; r != nil {
		switch r.Type {
		case spec.RecipeDockerImage:
			img := strings.TrimSpace(r.Location)
			if img == "" {
				img = strings.TrimSpace(r.Content)
			}
			svc.Image = img
			svc.Build = nil
		case spec.RecipeDockerfile:
			svc.Image = ""
			svc.Build = &spec.BuildConfig{}
			if r.Content != "" {
				svc.Build.DockerfileContent = r.Content
			} else {
				svc.Build.Context = r.Location
			}
		default:
			return spec.ServiceConfig{}, errdefs.Validationf("machine %q: recipe type %q is not supported", name, r.Type)
		}
	}

	if mc.Build != nil {
		svc.Build = mc.Build.Clone()
		svc.Image = ""
	}
	if mc.Image != "" {
		svc.Image = mc.Image
		svc.Build = nil
	}

	if len(mc.Env) > 0 {
		if svc.Environment == nil {
			svc.Environment = make(map[string]string, len(mc.Env))
		}
		maps.Copy(svc.Environment, mc.Env)
	}

	if raw, ok := mc.Attributes[spec.AttrMemoryLimit]; ok && raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || limit < 0 {
			return spec.ServiceConfig{}, errdefs.Validationf("machine %q: invalid %s %q", name, spec.AttrMemoryLimit, raw)
		}
		svc.MemLimit = limit
	}
	return svc, nil
}
