package machine

import "slices"

// keepAlive replaces an entrypoint that would exit immediately.
var keepAlive = []string{"tail", "-f", "/dev/null"}

// interactiveCommands are image commands that start a shell waiting on a
// terminal that is never attached.
var interactiveCommands = [][]string{
	{"/bin/bash"},
	{"/bin/sh"},
	{"bash"},
	{"sh"},
	{"/bin/sh", "-c", "/bin/sh"},
	{"/bin/sh", "-c", "/bin/bash"},
	{"/bin/sh", "-c", "bash"},
	{"/bin/sh", "-c", "sh"},
	{"/bin/bash", "-c", "bash"},
	{"jshell"},
	{"/bin/sh", "-c", "jshell"},
	{"python3"},
	{"node"},
}

// shellEntrypoints are entrypoints that only run the command they are given.
var shellEntrypoints = [][]string{
	nil,
	{"/bin/sh", "-c"},
	{"/bin/bash", "-c"},
	{"sh", "-c"},
	{"bash", "-c"},
}

func matchesAny(table [][]string, v []string) bool {
	for _, row := range table {
		if slices.Equal(row, v) {
			return true
		}
	}
	return false
}

// exitsImmediately reports whether a container with this command and
// entrypoint would run a shell with no arguments and exit at once.
func exitsImmediately(cmd, entrypoint []string) bool {
	if len(entrypoint) == 0 {
		entrypoint = nil
	}
	return matchesAny(interactiveCommands, cmd) && matchesAny(shellEntrypoints, entrypoint)
}
