package server_test

import (
	"strings"
	"testing"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/server"
	"github.com/matgreaves/wsrig/spec"
	"github.com/matryer/is"
)

func services(links map[string][]string) spec.InternalEnvironment {
	ienv := spec.InternalEnvironment{Services: make(map[string]spec.ServiceConfig)}
	for name, l := range links {
		ienv.Services[name] = spec.ServiceConfig{Image: "alpine", Links: l}
	}
	return ienv
}

func TestStartOrder_DependenciesFirst(t *testing.T) {
	is := is.New(t)

	ienv := services(map[string][]string{
		"web":    {"db:database", "cache"},
		"db":     nil,
		"cache":  nil,
		"worker": {"db"},
	})
	svc := ienv.Services["worker"]
	svc.VolumesFrom = []string{"web:ro"}
	ienv.Services["worker"] = svc

	order, err := server.StartOrder(ienv)
	is.NoErr(err)
	is.Equal(order, []string{"cache", "db", "web", "worker"})

	again, err := server.StartOrder(ienv)
	is.NoErr(err)
	is.Equal(again, order)
}

func TestStartOrder_EndToEndPair(t *testing.T) {
	is := is.New(t)

	order, err := server.StartOrder(services(map[string][]string{
		"web": {"db"},
		"db":  nil,
	}))
	is.NoErr(err)
	is.Equal(order, []string{"db", "web"})
}

func TestStartOrder_ContainerNames(t *testing.T) {
	is := is.New(t)

	ienv := spec.InternalEnvironment{Services: map[string]spec.ServiceConfig{
		"a": {ContainerName: "ws_1_o_a", Links: []string{"ws_2_o_z:alias"}},
		"z": {ContainerName: "ws_2_o_z"},
	}}
	order, err := server.StartOrder(ienv)
	is.NoErr(err)
	is.Equal(order, []string{"z", "a"})
}

func TestStartOrder_Cycle(t *testing.T) {
	is := is.New(t)

	_, err := server.StartOrder(services(map[string][]string{
		"a": {"b"},
		"b": {"a"},
	}))
	is.True(errdefs.IsValidation(err))
	is.True(strings.Contains(err.Error(), "cycle detected"))
	is.True(strings.Contains(err.Error(), "a"))
	is.True(strings.Contains(err.Error(), "b"))
}

func TestStartOrder_UnknownReference(t *testing.T) {
	is := is.New(t)

	_, err := server.StartOrder(services(map[string][]string{
		"a": {"missing"},
	}))
	is.True(errdefs.IsValidation(err))
	is.True(strings.Contains(err.Error(), "missing"))
}
