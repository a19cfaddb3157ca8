// Package provision augments service configs with what a machine's
// installers need: environment variables, exposed ports and server labels.
package provision

import (
	"log/slog"
	"maps"
	"slices"

	"github.com/matgreaves/wsrig/installer"
	"github.com/matgreaves/wsrig/spec"
)

// DefaultLabelPrefix is the label namespace for server metadata.
const DefaultLabelPrefix = "org.wsrig.server"

// Provisioner applies installer configuration to service configs. It
// performs no engine I/O and is idempotent: applying it twice to the same
// input yields the same result as applying it once.
type Provisioner struct {
	Installers  installer.Registry
	LabelPrefix string
	Log         *slog.Logger
}

func (p *Provisioner) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default().With(slog.String("component", "provisioner"))
}

func (p *Provisioner) prefix() string {
	if p.LabelPrefix != "" {
		return p.LabelPrefix
	}
	return DefaultLabelPrefix
}

// Apply provisions every machine of env. Services without a matching
// machine are returned unchanged.
func (p *Provisioner) Apply(env spec.Environment, ienv spec.InternalEnvironment) (spec.InternalEnvironment, error) {
	out := ienv.Clone()
	for _, name := range slices.Sorted(maps.Keys(env.Machines)) {
		svc, ok := out.Services[name]
		if !ok {
			continue
		}
		provisioned, err := p.ApplyMachine(name, env.Machines[name], svc)
		if err != nil {
			return spec.InternalEnvironment{}, err
		}
		out.Services[name] = provisioned
	}
	return out, nil
}

// ApplyMachine returns svc augmented with the configuration of the machine's
// installers, in dependency order, followed by the machine's own servers.
// Later installers override earlier ones on environment key collisions.
func (p *Provisioner) ApplyMachine(machineName string, mc spec.MachineConfig, svc spec.ServiceConfig) (spec.ServiceConfig, error) {
	out := svc.Clone()

	var installers []installer.Installer
	if len(mc.Installers) > 0 {
		var err error
		installers, err = installer.Sort(p.Installers, mc.Installers)
		if err != nil {
			return spec.ServiceConfig{}, err
		}
	}

	log := p.log().With(slog.String("machine", machineName))
	for _, inst := range installers {
		if raw := inst.Properties[installer.PropEnvironment]; raw != "" {
			env, bad := installer.ParseEnvironment(raw)
			for _, entry := range bad {
				log.Warn("skipping malformed installer environment entry",
					slog.String("installer", inst.Key()),
					slog.String("entry", entry))
			}
			if len(env) > 0 {
				if out.Environment == nil {
					out.Environment = make(map[string]string, len(env))
				}
				maps.Copy(out.Environment, env)
			}
		}
		p.addServers(&out, inst.Servers)
	}
	p.addServers(&out, mc.Servers)
	return out, nil
}

func (p *Provisioner) addServers(svc *spec.ServiceConfig, servers map[string]spec.ServerConfig) {
	if len(servers) == 0 {
		return
	}
	if svc.Expose == nil {
		svc.Expose = make(map[string]struct{}, len(servers))
	}
	if svc.Labels == nil {
		svc.Labels = make(map[string]string, 3*len(servers))
	}
	for _, ref := range slices.Sorted(maps.Keys(servers)) {
		server := servers[ref]
		port := server.PortProto()
		svc.Expose[port] = struct{}{}
		svc.Labels[Label(p.prefix(), port, "protocol")] = server.Protocol
		svc.Labels[Label(p.prefix(), port, "ref")] = ref
		if server.Path != "" {
			svc.Labels[Label(p.prefix(), port, "path")] = server.Path
		}
	}
}

// Label returns the server label key "<prefix>:<port>:<field>".
func Label(prefix, port, field string) string {
	return prefix + ":" + port + ":" + field
}
