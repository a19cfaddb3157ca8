// Package enginetest provides an in-memory engine.Client for tests.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matgreaves/wsrig/engine"
)

// Container is the fake's record of a created container.
type Container struct {
	ID      string
	Spec    engine.ContainerSpec
	Status  string
	Running bool
	// Networks lists networks joined after creation via ConnectNetwork.
	Networks []string
	Removed  bool
	// Files records archives copied into the container, keyed by directory.
	Files map[string][]byte
	// Output is the container's log history, replayed by Logs from
	// LogsOptions.Since.
	Output []LogLine
}

// LogLine is one line of fake container output.
type LogLine struct {
	At   time.Time
	Text string
}

// Fake is a concurrency-safe engine.Client that records every call. Errors
// can be injected per operation through the Fail map, keyed by method name
// (e.g. "PullImage"); FailFor narrows a failure to one argument.
type Fake struct {
	mu sync.Mutex

	Images     map[string]engine.ImageInfo
	Containers map[string]*Container
	Networks   map[string]map[string]string

	// Fail returns the error for a method, if any.
	Fail map[string]error
	// FailFor maps "Method:arg" to an error, e.g. "StartContainer:web".
	FailFor map[string]error

	// ExitAfterStart names containers that report "exited" once started.
	ExitAfterStart map[string]bool
	// ExecExitCode is returned by Exec.
	ExecExitCode int
	// ExecOutput is written to stdout by Exec.
	ExecOutput string
	// LogsOutput is written to stdout by Logs.
	LogsOutput string
	// LogsErr is returned by Logs after its output is written, in place of
	// following a running container.
	LogsErr error
	// OnLogs is invoked when Logs connects, before any output is written.
	OnLogs func(containerID string)
	// OnExecDetached is invoked after ExecDetached records a call.
	OnExecDetached func(containerID string, cmd []string)

	calls []string
	seq   int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Images:         make(map[string]engine.ImageInfo),
		Containers:     make(map[string]*Container),
		Networks:       make(map[string]map[string]string),
		Fail:           make(map[string]error),
		FailFor:        make(map[string]error),
		ExitAfterStart: make(map[string]bool),
	}
}

// Calls returns the recorded calls as "Method arg" strings in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo returns the recorded calls to method.
func (f *Fake) CallsTo(method string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c == method || strings.HasPrefix(c, method+" ") {
			out = append(out, c)
		}
	}
	return out
}

// ContainerByName returns the container created with name.
func (f *Fake) ContainerByName(name string) (*Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Containers {
		if c.Spec.Name == name {
			return c, true
		}
	}
	return nil, false
}

// LiveContainers returns the names of containers not yet removed, sorted.
func (f *Fake) LiveContainers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.Containers {
		if !c.Removed {
			out = append(out, c.Spec.Name)
		}
	}
	slices.Sort(out)
	return out
}

// SetFail injects err for method. A nil err clears it.
func (f *Fake) SetFail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Fail, method)
		return
	}
	f.Fail[method] = err
}

// record logs the call and returns any injected failure. Callers hold f.mu.
func (f *Fake) record(method, arg string) error {
	f.calls = append(f.calls, strings.TrimSpace(method+" "+arg))
	if err := f.FailFor[method+":"+arg]; err != nil {
		return err
	}
	return f.Fail[method]
}

// lookup resolves a container by id or name. Callers hold f.mu.
func (f *Fake) lookup(id string) (*Container, error) {
	if c, ok := f.Containers[id]; ok && !c.Removed {
		return c, nil
	}
	for _, c := range f.Containers {
		if c.Spec.Name == id && !c.Removed {
			return c, nil
		}
	}
	return nil, fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
}

func (f *Fake) BuildImage(_ context.Context, opts engine.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BuildImage", opts.Tag); err != nil {
		return err
	}
	f.Images[opts.Tag] = engine.ImageInfo{ID: "sha256:" + opts.Tag, Tags: []string{opts.Tag}}
	return nil
}

func (f *Fake) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PullImage", ref); err != nil {
		return err
	}
	if _, ok := f.Images[ref]; !ok {
		f.Images[ref] = engine.ImageInfo{ID: "sha256:" + ref, Tags: []string{ref}}
	}
	return nil
}

func (f *Fake) TagImage(_ context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TagImage", source+" "+target); err != nil {
		return err
	}
	img, ok := f.Images[source]
	if !ok {
		return fmt.Errorf("image %s: %w", source, engine.ErrNotFound)
	}
	img.Tags = append(slices.Clone(img.Tags), target)
	f.Images[target] = img
	return nil
}

func (f *Fake) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveImage", ref); err != nil {
		return err
	}
	delete(f.Images, ref)
	return nil
}

func (f *Fake) InspectImage(_ context.Context, ref string) (engine.ImageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("InspectImage", ref); err != nil {
		return engine.ImageInfo{}, err
	}
	img, ok := f.Images[ref]
	if !ok {
		return engine.ImageInfo{}, fmt.Errorf("image %s: %w", ref, engine.ErrNotFound)
	}
	return img, nil
}

func (f *Fake) CreateContainer(_ context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateContainer", spec.Name); err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("c%d", f.seq)
	f.Containers[id] = &Container{ID: id, Spec: spec, Status: "created", Files: make(map[string][]byte)}
	return id, nil
}

func (f *Fake) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	if err != nil {
		f.record("StartContainer", id)
		return err
	}
	if err := f.record("StartContainer", c.Spec.Name); err != nil {
		return err
	}
	if f.ExitAfterStart[c.Spec.Name] {
		c.Status = "exited"
		c.Running = false
		return nil
	}
	c.Status = "running"
	c.Running = true
	return nil
}

func (f *Fake) InspectContainer(_ context.Context, id string) (engine.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("InspectContainer", id); err != nil {
		return engine.ContainerInfo{}, err
	}
	c, err := f.lookup(id)
	if err != nil {
		return engine.ContainerInfo{}, err
	}
	info := engine.ContainerInfo{
		ID:        c.ID,
		Name:      c.Spec.Name,
		Status:    c.Status,
		Running:   c.Running,
		Addresses: make(map[string]string),
		HostPorts: make(map[string]string),
	}
	if c.Spec.Config != nil {
		info.Image = c.Spec.Config.Image
	}
	if c.Status == "exited" {
		info.ExitCode = 1
	}
	return info, nil
}

func (f *Fake) RemoveContainer(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(id)
	name := id
	if err == nil {
		name = c.Spec.Name
	}
	if ferr := f.record("RemoveContainer", name); ferr != nil {
		return ferr
	}
	if err != nil {
		return err
	}
	c.Removed = true
	c.Running = false
	c.Status = "removed"
	return nil
}

func (f *Fake) CreateNetwork(_ context.Context, name string, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateNetwork", name); err != nil {
		return err
	}
	f.Networks[name] = labels
	return nil
}

func (f *Fake) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RemoveNetwork", name); err != nil {
		return err
	}
	if _, ok := f.Networks[name]; !ok {
		return fmt.Errorf("network %s: %w", name, engine.ErrNotFound)
	}
	delete(f.Networks, name)
	return nil
}

func (f *Fake) ConnectNetwork(_ context.Context, networkName, containerID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ConnectNetwork", networkName+" "+containerID); err != nil {
		return err
	}
	c, err := f.lookup(containerID)
	if err != nil {
		return err
	}
	c.Networks = append(c.Networks, networkName)
	return nil
}

func (f *Fake) Exec(_ context.Context, containerID string, cmd []string, stdout, _ io.Writer) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("Exec", containerID+" "+strings.Join(cmd, " ")); err != nil {
		return 0, err
	}
	if _, err := f.lookup(containerID); err != nil {
		return 0, err
	}
	if stdout != nil && f.ExecOutput != "" {
		io.WriteString(stdout, f.ExecOutput)
	}
	return f.ExecExitCode, nil
}

func (f *Fake) ExecDetached(_ context.Context, containerID string, cmd []string) error {
	f.mu.Lock()
	if err := f.record("ExecDetached", containerID+" "+strings.Join(cmd, " ")); err != nil {
		f.mu.Unlock()
		return err
	}
	hook := f.OnExecDetached
	f.mu.Unlock()

	if hook != nil {
		hook(containerID, slices.Clone(cmd))
	}
	return nil
}

// AppendLog adds a line to the log history of the container with the given
// id or name.
func (f *Fake) AppendLog(idOrName, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.lookup(idOrName)
	if err != nil {
		return err
	}
	c.Output = append(c.Output, LogLine{At: time.Now(), Text: text})
	return nil
}

func (f *Fake) Logs(ctx context.Context, containerID string, opts engine.LogsOptions, stdout, _ io.Writer) error {
	f.mu.Lock()
	if err := f.record("Logs", containerID); err != nil {
		f.mu.Unlock()
		return err
	}
	_, err := f.lookup(containerID)
	hook := f.OnLogs
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(containerID)
	}

	f.mu.Lock()
	c, err := f.lookup(containerID)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	var b strings.Builder
	b.WriteString(f.LogsOutput)
	for _, l := range c.Output {
		if opts.Since.IsZero() || !l.At.Before(opts.Since) {
			b.WriteString(l.Text + "\n")
		}
	}
	running := c.Running
	logsErr := f.LogsErr
	f.mu.Unlock()

	if stdout != nil && b.Len() > 0 {
		io.WriteString(stdout, b.String())
	}
	if logsErr != nil {
		return logsErr
	}
	if opts.Follow && running {
		<-ctx.Done()
	}
	return nil
}

func (f *Fake) CopyToContainer(_ context.Context, containerID, dir string, archive io.Reader) error {
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CopyToContainer", containerID+" "+dir); err != nil {
		return err
	}
	c, err := f.lookup(containerID)
	if err != nil {
		return err
	}
	c.Files[dir] = data
	return nil
}

var _ engine.Client = (*Fake)(nil)
