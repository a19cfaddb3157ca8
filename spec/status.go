package spec

// RuntimeStatus is the lifecycle state of a workspace runtime.
type RuntimeStatus string

const (
	RuntimeStarting RuntimeStatus = "STARTING"
	RuntimeRunning  RuntimeStatus = "RUNNING"
	RuntimeStopping RuntimeStatus = "STOPPING"
	RuntimeStopped  RuntimeStatus = "STOPPED"
	RuntimeError    RuntimeStatus = "ERROR"
)

// ServerStatus is the last observed state of a machine server.
type ServerStatus string

const (
	ServerUnknown ServerStatus = "UNKNOWN"
	ServerRunning ServerStatus = "RUNNING"
	ServerStopped ServerStatus = "STOPPED"
)

// BootstrapperStatus is reported by the in-container bootstrapper.
type BootstrapperStatus string

const (
	BootstrapperStarting BootstrapperStatus = "STARTING"
	BootstrapperDone     BootstrapperStatus = "DONE"
	BootstrapperFailed   BootstrapperStatus = "FAILED"
)

// Terminal reports whether no further events are expected after s.
func (s BootstrapperStatus) Terminal() bool {
	return s == BootstrapperDone || s == BootstrapperFailed
}

// BootstrapperStatusEvent is pushed by a bootstrapper process running inside
// a machine. It is consumed by the Bootstrapper waiting on the same
// (RuntimeID, MachineName).
type BootstrapperStatusEvent struct {
	RuntimeID   RuntimeIdentity    `json:"runtime_id"`
	MachineName string             `json:"machine_name"`
	Status      BootstrapperStatus `json:"status"`
	Error       string             `json:"error,omitempty"`
}

// InstallerLogEvent carries one line of installer output.
type InstallerLogEvent struct {
	RuntimeID   RuntimeIdentity `json:"runtime_id"`
	MachineName string          `json:"machine_name"`
	Installer   string          `json:"installer,omitempty"`
	Stream      string          `json:"stream,omitempty"` // "stdout" or "stderr"
	Text        string          `json:"text"`
}
