package server

import (
	"maps"
	"slices"
	"strings"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/internal/graph"
	"github.com/matgreaves/wsrig/spec"
)

// StartOrder returns the service names of ienv with every service after the
// services it links to or takes volumes from. Ties are broken by name, so
// the order is stable for an unchanged environment. References may use
// service or container names.
func StartOrder(ienv spec.InternalEnvironment) ([]string, error) {
	byContainer := make(map[string]string, len(ienv.Services))
	for name, svc := range ienv.Services {
		if svc.ContainerName != "" {
			byContainer[svc.ContainerName] = name
		}
	}
	resolve := func(ref string) string {
		if _, ok := ienv.Services[ref]; ok {
			return ref
		}
		if name, ok := byContainer[ref]; ok {
			return name
		}
		return ref
	}

	deps := make(map[string][]string, len(ienv.Services))
	for name, svc := range ienv.Services {
		seen := make(map[string]bool)
		for _, link := range svc.Links {
			target, _ := spec.SplitLink(link)
			seen[resolve(target)] = true
		}
		for _, ref := range svc.VolumesFrom {
			target, _, _ := strings.Cut(ref, ":")
			seen[resolve(target)] = true
		}
		deps[name] = slices.Sorted(maps.Keys(seen))
	}

	order, err := graph.Sort(ienv.ServiceNames(), deps)
	if err != nil {
		return nil, errdefs.Validationf("start order: %v", err)
	}
	return order, nil
}
