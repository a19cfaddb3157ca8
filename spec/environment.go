package spec

// Environment is the declarative description of a workspace's machines.
// Machine names are the keys of Machines and are therefore unique.
type Environment struct {
	// Recipe is an optional environment-wide recipe. Only the "compose"
	// type is meaningful here; it declares one service per machine.
	Recipe *Recipe `json:"recipe,omitempty" yaml:"recipe,omitempty"`

	// Machines maps machine names to their configuration.
	Machines map[string]MachineConfig `json:"machines" yaml:"machines"`
}

// Recipe types.
const (
	RecipeCompose     = "compose"
	RecipeDockerfile  = "dockerfile"
	RecipeDockerImage = "dockerimage"
)

// Recipe describes where a container image, Dockerfile or compose document
// comes from. Exactly one of Content and Location is normally set.
type Recipe struct {
	Type        string `json:"type" yaml:"type"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Content     string `json:"content,omitempty" yaml:"content,omitempty"`
	Location    string `json:"location,omitempty" yaml:"location,omitempty"`
}

// MachineConfig configures a single machine of an environment.
type MachineConfig struct {
	// Recipe references the machine's own image or Dockerfile.
	Recipe *Recipe `json:"recipe,omitempty" yaml:"recipe,omitempty"`

	// Build is an inline build spec, an alternative to Recipe.
	Build *BuildConfig `json:"build,omitempty" yaml:"build,omitempty"`

	// Image is an image reference, an alternative to Recipe.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`

	// Installers lists installer keys ("id" or "id:version") to bootstrap
	// inside the machine, in declaration order.
	Installers []string `json:"installers,omitempty" yaml:"installers,omitempty"`

	// Servers declares the servers the machine itself exposes, keyed by ref.
	Servers map[string]ServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`

	// Env is merged into the container environment.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Attributes carries free-form settings, e.g. AttrMemoryLimit.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// AttrMemoryLimit is the machine attribute holding the memory limit in bytes.
const AttrMemoryLimit = "memoryLimitBytes"

// ServerConfig declares a server listening inside a machine.
type ServerConfig struct {
	// Port is "8080" or "8080/tcp".
	Port     string `json:"port" yaml:"port"`
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
}

// PortProto returns the port in "<port>/<transport>" form, defaulting the
// transport to tcp.
func (s ServerConfig) PortProto() string {
	return NormalizePort(s.Port)
}
