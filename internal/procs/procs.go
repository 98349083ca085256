// Package procs lists running processes.
package procs

import (
	"context"
	"sort"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/deskcap/internal/logging"
)

var log = logging.L("procs")

// Process is one running process.
type Process struct {
	Name string `json:"name"`
	PID  int32  `json:"pid"`
}

// List returns the running processes sorted by name. Enumeration failures
// are logged and produce an empty list; processes that exit mid-scan are
// skipped.
func List(ctx context.Context) []Process {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Error("list processes", "error", err)
		return []Process{}
	}
	out := make([]Process, 0, len(ps))
	for _, p := range ps {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out = append(out, Process{Name: name, PID: p.Pid})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].PID < out[j].PID
	})
	return out
}
