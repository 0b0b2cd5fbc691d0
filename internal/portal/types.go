// Package portal defines the JSON-RPC protocol spoken between the host and
// the guest agent, plus the client and server halves of it. The transport is
// a vsock stream in production and any connected pipe in tests.
package portal

import (
	"encoding/json"
	"strings"
)

// DefaultPort is the vsock port the guest agent listens on.
const DefaultPort uint32 = 10700

// Portal method names.
const (
	MethodStart      = "sandbox.start"
	MethodStop       = "sandbox.stop"
	MethodReplRun    = "sandbox.repl.run"
	MethodCommandRun = "sandbox.command.run"
	MethodMetricsGet = "sandbox.metrics.get"
)

type ReplRunParams struct {
	Language Language `json:"language"`
	Code     string   `json:"code"`
	// Workdir is the working directory the language's REPL session starts
	// in. Applied when the session spawns; later calls inherit it.
	Workdir string `json:"workdir,omitempty"`
}

type CommandRunParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
}

// ExecResult is the outcome of one REPL evaluation or command run. Output is
// combined raw text in emission order.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Value attempts to parse the last output line as JSON, for callers that
// want a structured result. On parse failure it degrades to the raw output
// text with ok=false; execution is never failed over representation.
func (r ExecResult) Value() (any, bool) {
	lines := strings.Split(strings.TrimRight(r.Output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(line), &value); err == nil {
			return value, true
		}
		break
	}
	return r.Output, false
}

// Metrics is one consistent snapshot of a running sandbox.
type Metrics struct {
	Running    bool    `json:"running"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMiB  uint64  `json:"memory_mib"`
	DiskBytes  uint64  `json:"disk_bytes"`
}
