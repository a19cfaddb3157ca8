package provision_test

import (
	"testing"

	"github.com/matgreaves/wsrig/errdefs"
	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/server/provision"
	"github.com/matgreaves/wsrig/spec"
	"github.com/matryer/is"
)

func registry() *installer.MemoryRegistry {
	return installer.NewMemoryRegistry(
		installer.Installer{
			ID:         "exec",
			Properties: map[string]string{installer.PropEnvironment: "EXEC_PORT=4412,SHARED=exec,garbage"},
			Servers: map[string]spec.ServerConfig{
				"exec-agent": {Port: "4412", Protocol: "http", Path: "/process"},
			},
		},
		installer.Installer{
			ID:           "terminal",
			Dependencies: []string{"exec"},
			Properties:   map[string]string{installer.PropEnvironment: "SHARED=terminal"},
			Servers: map[string]spec.ServerConfig{
				"terminal": {Port: "4411/tcp", Protocol: "ws"},
			},
		},
	)
}

func TestApplyMachine(t *testing.T) {
	is := is.New(t)

	p := &provision.Provisioner{Installers: registry()}
	svc, err := p.ApplyMachine("dev", spec.MachineConfig{
		Installers: []string{"terminal"},
		Servers:    map[string]spec.ServerConfig{"app": {Port: "8080", Protocol: "http"}},
	}, spec.ServiceConfig{Image: "alpine", Environment: map[string]string{"KEEP": "1"}})
	is.NoErr(err)

	is.Equal(svc.Environment, map[string]string{"KEEP": "1", "EXEC_PORT": "4412", "SHARED": "terminal"})
	is.Equal(spec.SortedSet(svc.Expose), []string{"4411/tcp", "4412/tcp", "8080/tcp"})
	is.Equal(svc.Labels["org.wsrig.server:4412/tcp:protocol"], "http")
	is.Equal(svc.Labels["org.wsrig.server:4412/tcp:ref"], "exec-agent")
	is.Equal(svc.Labels["org.wsrig.server:4412/tcp:path"], "/process")
	is.Equal(svc.Labels["org.wsrig.server:4411/tcp:ref"], "terminal")
	_, hasPath := svc.Labels["org.wsrig.server:4411/tcp:path"]
	is.True(!hasPath)
	is.Equal(svc.Labels["org.wsrig.server:8080/tcp:ref"], "app")
}

func TestApplyMachine_Idempotent(t *testing.T) {
	is := is.New(t)

	p := &provision.Provisioner{Installers: registry(), LabelPrefix: "x"}
	mc := spec.MachineConfig{Installers: []string{"exec", "terminal"}}

	once, err := p.ApplyMachine("dev", mc, spec.ServiceConfig{Image: "alpine"})
	is.NoErr(err)
	twice, err := p.ApplyMachine("dev", mc, once)
	is.NoErr(err)

	is.Equal(once.Expose, twice.Expose)
	is.Equal(once.Labels, twice.Labels)
	is.Equal(once.Environment, twice.Environment)
}

func TestApplyMachine_DoesNotMutateInput(t *testing.T) {
	is := is.New(t)

	p := &provision.Provisioner{Installers: registry()}
	in := spec.ServiceConfig{Image: "alpine", Environment: map[string]string{}, Labels: map[string]string{}}
	_, err := p.ApplyMachine("dev", spec.MachineConfig{Installers: []string{"exec"}}, in)
	is.NoErr(err)
	is.Equal(len(in.Environment), 0)
	is.Equal(len(in.Labels), 0)
	is.Equal(in.Expose, nil)
}

func TestApplyMachine_UnknownInstaller(t *testing.T) {
	is := is.New(t)

	p := &provision.Provisioner{Installers: registry()}
	_, err := p.ApplyMachine("dev", spec.MachineConfig{Installers: []string{"ghost"}}, spec.ServiceConfig{})
	is.True(errdefs.IsValidation(err))
}

func TestApply(t *testing.T) {
	is := is.New(t)

	p := &provision.Provisioner{Installers: registry()}
	env := spec.Environment{Machines: map[string]spec.MachineConfig{
		"dev": {Installers: []string{"exec"}},
		"db":  {},
	}}
	ienv := spec.InternalEnvironment{Services: map[string]spec.ServiceConfig{
		"dev": {Image: "alpine"},
		"db":  {Image: "postgres"},
	}}

	out, err := p.Apply(env, ienv)
	is.NoErr(err)
	is.Equal(out.Services["dev"].Environment["EXEC_PORT"], "4412")
	is.Equal(len(out.Services["db"].Expose), 0)
	is.Equal(ienv.Services["dev"].Environment, nil)
}
