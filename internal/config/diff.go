package config

import (
	"fmt"

	logx "weekplan/pkg/logx"
)

// SummarizeChange produces human-readable lines and log fields describing
// what changed between two configs, plus the list of sections whose services
// need a restart rather than an in-place Apply.
func SummarizeChange(oldCfg, newCfg *Config) (lines []string, fields []logx.Field, restart []string) {
	if oldCfg == nil || newCfg == nil {
		return nil, nil, nil
	}

	if oldCfg.Logging != newCfg.Logging {
		lines = append(lines, fmt.Sprintf("logging: level %s -> %s", oldCfg.Logging.Level, newCfg.Logging.Level))
		fields = append(fields, logx.String("logging_level", newCfg.Logging.Level))
	}
	if oldCfg.Server != newCfg.Server {
		lines = append(lines, fmt.Sprintf("server: addr %s -> %s", oldCfg.Server.Addr, newCfg.Server.Addr))
		fields = append(fields, logx.String("server_addr", newCfg.Server.Addr))
		restart = append(restart, "server")
	}
	if oldCfg.Storage != newCfg.Storage {
		lines = append(lines, fmt.Sprintf("storage: %s %s -> %s %s",
			oldCfg.Storage.Driver, oldCfg.Storage.Path, newCfg.Storage.Driver, newCfg.Storage.Path))
		restart = append(restart, "storage")
	}
	if oldCfg.Grid != newCfg.Grid {
		lines = append(lines, fmt.Sprintf("grid: [%s,%s) -> [%s,%s)",
			oldCfg.Grid.WorkStart, oldCfg.Grid.WorkEnd, newCfg.Grid.WorkStart, newCfg.Grid.WorkEnd))
		fields = append(fields,
			logx.String("work_start", newCfg.Grid.WorkStart),
			logx.String("work_end", newCfg.Grid.WorkEnd))
	}
	if oldCfg.Planner != newCfg.Planner {
		lines = append(lines, fmt.Sprintf("planner: replan %q lateness %v -> replan %q lateness %v",
			oldCfg.Planner.ReplanSpec, oldCfg.Planner.Lateness,
			newCfg.Planner.ReplanSpec, newCfg.Planner.Lateness))
		fields = append(fields, logx.Bool("lateness", newCfg.Planner.Lateness))
	}
	if oldCfg.Pprof != newCfg.Pprof {
		lines = append(lines, "pprof settings changed")
		restart = append(restart, "pprof")
	}
	return lines, fields, restart
}
