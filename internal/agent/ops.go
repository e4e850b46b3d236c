// ABOUTME: Builtin command handlers backed by host inspection.
// ABOUTME: Also produces the diagnostic scan the autonomous cycle feeds on.

package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/nodeward/nodeward/internal/autonomous"
	"github.com/nodeward/nodeward/internal/protocol"
)

// suspiciousNames flags processes the threat scan reports. Matched
// case-insensitively as substrings of the executable name.
var suspiciousNames = []string{"keylogger", "cryptominer", "xmrig", "mimikatz"}

// suspiciousPorts flags listening ports the threat scan reports.
var suspiciousPorts = map[uint32]bool{4444: true, 5555: true, 6666: true, 31337: true}

func (e *CommandExecutor) registerBuiltins() {
	e.handlers[protocol.CmdHealthCheck] = e.healthCheck
	e.handlers[protocol.CmdGenerateReport] = e.generateReport
	e.handlers[protocol.CmdViewProcesses] = e.viewProcesses
	e.handlers[protocol.CmdKillProcess] = e.killProcess
	e.handlers[protocol.CmdAnalyzeDisk] = e.analyzeDisk
	e.handlers[protocol.CmdBrowseFiles] = e.browseFiles
	e.handlers[protocol.CmdViewDownloads] = e.viewDownloads
	e.handlers[protocol.CmdViewRecycleBin] = e.viewRecycleBin
	e.handlers[protocol.CmdDeleteFile] = e.deleteFile
	e.handlers[protocol.CmdForceDelete] = e.forceDelete
	e.handlers[protocol.CmdScanThreats] = e.scanThreats
	e.handlers[protocol.CmdScanNetwork] = e.scanNetwork
	e.handlers[protocol.CmdScanBrowserHistory] = e.scanBrowserHistory
	e.handlers[protocol.CmdListPrograms] = e.listPrograms
	e.handlers[protocol.CmdSelfDestruct] = e.selfDestruct

	// Multi-step maintenance operations share one shape: staged
	// progress followed by a step summary.
	e.handlers[protocol.CmdDeepClean] = e.staged("deep_clean",
		"scanning temporary files", "removing caches", "clearing stale logs", "verifying")
	e.handlers[protocol.CmdSysFix] = e.staged("sys_fix",
		"checking system files", "repairing configuration", "resetting services", "verifying")
	e.handlers[protocol.CmdFullOptimize] = e.staged("full_optimize",
		"deep clean", "system fix", "startup optimization", "final verification")
	e.handlers[protocol.CmdCleanRegistry] = e.staged("clean_registry",
		"backing up settings", "scanning entries", "removing orphans")
	e.handlers[protocol.CmdSpeedUpBoot] = e.staged("speed_up_boot",
		"listing startup entries", "disabling slow entries", "verifying")
	e.handlers[protocol.CmdNetworkReset] = e.staged("network_reset",
		"flushing resolver cache", "resetting interfaces", "renewing leases")
	e.handlers[protocol.CmdForceUninstall] = e.staged("force_uninstall",
		"locating program", "stopping processes", "removing files", "cleaning settings")

	// Autonomous-only action types arrive through the same executor.
	e.handlers["full_repair"] = e.staged("full_repair",
		"deep clean", "system fix", "security hardening", "verification")
	e.handlers["clean_disk"] = e.cleanDisk
	e.handlers["free_memory"] = e.freeMemory
	e.handlers["block_connection"] = e.blockConnection
	e.handlers["fix_security"] = e.staged("fix_security",
		"auditing settings", "applying fixes", "verifying")
}

// staged builds a handler that walks named steps, emitting progress
// per step, and returns the completed step list.
func (e *CommandExecutor) staged(name string, steps ...string) HandlerFunc {
	return func(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
		total := len(steps)
		for i, step := range steps {
			if err := e.pace(ctx); err != nil {
				return nil, err
			}
			progress(map[string]any{
				"step":    i + 1,
				"total":   total,
				"message": step,
				"percent": (i + 1) * 100 / total,
			})
		}
		return map[string]any{"operation": name, "steps_completed": total}, nil
	}
}

// pace sleeps one step delay, honoring cancellation.
func (e *CommandExecutor) pace(ctx context.Context) error {
	if e.stepDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.stepDelay):
		return nil
	}
}

func (e *CommandExecutor) healthCheck(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	progress(map[string]any{"message": "collecting system metrics"})
	scan := DiagnosticScan(ctx)

	issues := make([]map[string]any, 0, len(scan.IssuesFound))
	for _, issue := range scan.IssuesFound {
		issues = append(issues, map[string]any{
			"type": issue.Type, "severity": issue.Severity, "message": issue.Message,
		})
	}
	return map[string]any{
		"score":  scan.Score,
		"issues": issues,
	}, nil
}

func (e *CommandExecutor) generateReport(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	progress(map[string]any{"message": "gathering host information"})
	report := map[string]any{
		"os":   runtime.GOOS,
		"arch": runtime.GOARCH,
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		report["hostname"] = info.Hostname
		report["platform"] = info.Platform
		report["platform_version"] = info.PlatformVersion
		report["uptime_seconds"] = info.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report["memory_total"] = vm.Total
		report["memory_used_percent"] = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		report["disk_total"] = usage.Total
		report["disk_used_percent"] = usage.UsedPercent
	}
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		report["cpu_percent"] = percents[0]
	}
	return report, nil
}

func (e *CommandExecutor) viewProcesses(ctx context.Context, _ map[string]any, _ func(map[string]any)) (map[string]any, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	type entry struct {
		PID    int32   `json:"pid"`
		Name   string  `json:"name"`
		Memory float32 `json:"memory_percent"`
	}
	entries := make([]entry, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		entries = append(entries, entry{PID: p.Pid, Name: name, Memory: memPct})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Memory > entries[j].Memory })
	if len(entries) > 50 {
		entries = entries[:50]
	}
	return map[string]any{"processes": entries, "total": len(procs)}, nil
}

func (e *CommandExecutor) killProcess(ctx context.Context, params map[string]any, _ func(map[string]any)) (map[string]any, error) {
	pid, ok := intParam(params, "pid")
	if !ok {
		return nil, fmt.Errorf("kill_process: missing pid parameter")
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}
	name, _ := p.NameWithContext(ctx)
	if err := p.KillWithContext(ctx); err != nil {
		return nil, fmt.Errorf("killing process %d: %w", pid, err)
	}
	return map[string]any{"pid": pid, "name": name, "killed": true}, nil
}

func (e *CommandExecutor) analyzeDisk(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	progress(map[string]any{"message": "reading partitions"})
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	volumes := make([]map[string]any, 0, len(parts))
	for _, part := range parts {
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil {
			continue
		}
		volumes = append(volumes, map[string]any{
			"mountpoint":   part.Mountpoint,
			"fstype":       part.Fstype,
			"total":        usage.Total,
			"free":         usage.Free,
			"used_percent": usage.UsedPercent,
		})
	}
	return map[string]any{"volumes": volumes}, nil
}

func (e *CommandExecutor) browseFiles(_ context.Context, params map[string]any, _ func(map[string]any)) (map[string]any, error) {
	path, _ := params["path"].(string)
	if path == "" {
		path = rootPath()
	}
	return listDir(path)
}

func (e *CommandExecutor) viewDownloads(_ context.Context, _ map[string]any, _ func(map[string]any)) (map[string]any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	return listDir(filepath.Join(home, "Downloads"))
}

func (e *CommandExecutor) viewRecycleBin(_ context.Context, _ map[string]any, _ func(map[string]any)) (map[string]any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	// Best effort: the freedesktop trash location; empty on other setups.
	trash := filepath.Join(home, ".local", "share", "Trash", "files")
	listing, err := listDir(trash)
	if err != nil {
		return map[string]any{"entries": []any{}, "path": trash}, nil
	}
	return listing, nil
}

func (e *CommandExecutor) deleteFile(_ context.Context, params map[string]any, _ func(map[string]any)) (map[string]any, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("delete_file: missing path parameter")
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", path, err)
	}
	return map[string]any{"path": path, "deleted": true}, nil
}

func (e *CommandExecutor) forceDelete(_ context.Context, params map[string]any, _ func(map[string]any)) (map[string]any, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, fmt.Errorf("force_delete: missing path parameter")
	}
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("force deleting %s: %w", path, err)
	}
	return map[string]any{"path": path, "deleted": true}, nil
}

func (e *CommandExecutor) scanThreats(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	progress(map[string]any{"message": "scanning processes and connections"})
	scan := DiagnosticScan(ctx)
	threats := make([]map[string]any, 0, len(scan.ThreatsFound))
	for _, t := range scan.ThreatsFound {
		entry := map[string]any{"type": t.Type}
		if t.PID != 0 {
			entry["pid"] = t.PID
		}
		if t.Name != "" {
			entry["name"] = t.Name
		}
		if t.Port != 0 {
			entry["port"] = t.Port
		}
		threats = append(threats, entry)
	}
	return map[string]any{"threats": threats, "clean": len(threats) == 0}, nil
}

func (e *CommandExecutor) scanNetwork(ctx context.Context, _ map[string]any, _ func(map[string]any)) (map[string]any, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	listening := make([]map[string]any, 0)
	established := 0
	for _, c := range conns {
		switch c.Status {
		case "LISTEN":
			listening = append(listening, map[string]any{
				"port": c.Laddr.Port, "pid": c.Pid,
			})
		case "ESTABLISHED":
			established++
		}
	}
	return map[string]any{"listening": listening, "established": established}, nil
}

func (e *CommandExecutor) scanBrowserHistory(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolving home directory: %w", err)
	}
	progress(map[string]any{"message": "locating browser profiles"})
	// Report which browser stores exist; contents stay on the host.
	candidates := map[string]string{
		"chromium": filepath.Join(home, ".config", "chromium"),
		"chrome":   filepath.Join(home, ".config", "google-chrome"),
		"firefox":  filepath.Join(home, ".mozilla", "firefox"),
	}
	found := make([]string, 0)
	for browser, dir := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(dir); err == nil {
			found = append(found, browser)
		}
	}
	sort.Strings(found)
	return map[string]any{"browsers": found}, nil
}

func (e *CommandExecutor) listPrograms(ctx context.Context, _ map[string]any, _ func(map[string]any)) (map[string]any, error) {
	// Installed-program inventory is platform specific; applications
	// in the standard binary directories are a portable approximation.
	dirs := []string{"/usr/bin", "/usr/local/bin"}
	programs := make([]string, 0, 256)
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				programs = append(programs, entry.Name())
			}
		}
	}
	sort.Strings(programs)
	return map[string]any{"programs": programs, "count": len(programs)}, nil
}

func (e *CommandExecutor) selfDestruct(ctx context.Context, params map[string]any, progress func(map[string]any)) (map[string]any, error) {
	// The service validates confirmation before dispatch; re-check so a
	// hand-crafted frame cannot skip it.
	if confirm, _ := params["confirm"].(bool); !confirm {
		return nil, protocol.ErrConfirmRequired
	}
	for i, step := range []string{"stopping services", "removing state", "unregistering"} {
		if err := e.pace(ctx); err != nil {
			return nil, err
		}
		progress(map[string]any{"step": i + 1, "total": 3, "message": step})
	}
	return map[string]any{"uninstalled": true}, nil
}

func (e *CommandExecutor) cleanDisk(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	progress(map[string]any{"message": "removing stale temporary files"})
	dir := os.TempDir()
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading temp dir: %w", err)
	}
	removed := 0
	var freed int64
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		removed++
		freed += info.Size()
	}
	return map[string]any{"removed": removed, "freed_bytes": freed}, nil
}

func (e *CommandExecutor) freeMemory(ctx context.Context, _ map[string]any, progress func(map[string]any)) (map[string]any, error) {
	before, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}
	progress(map[string]any{"message": "releasing unused memory"})
	runtime.GC()
	after, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading memory: %w", err)
	}
	return map[string]any{
		"used_percent_before": before.UsedPercent,
		"used_percent_after":  after.UsedPercent,
	}, nil
}

func (e *CommandExecutor) blockConnection(ctx context.Context, params map[string]any, _ func(map[string]any)) (map[string]any, error) {
	port, ok := intParam(params, "port")
	if !ok {
		return nil, fmt.Errorf("block_connection: missing port parameter")
	}
	// Kill the owning process; firewall manipulation needs privileges
	// the agent does not assume.
	conns, err := gnet.ConnectionsWithContext(ctx, "inet")
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	killed := make([]int32, 0, 1)
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Pid == 0 {
			continue
		}
		p, err := process.NewProcessWithContext(ctx, c.Pid)
		if err != nil {
			continue
		}
		if err := p.KillWithContext(ctx); err == nil {
			killed = append(killed, c.Pid)
		}
	}
	return map[string]any{"port": port, "killed_pids": killed}, nil
}

// DiagnosticScan inspects the host and produces the health scan the
// autonomous cycle analyzes: a 0-100 score with deductions per
// problem, plus threat and issue findings.
func DiagnosticScan(ctx context.Context) autonomous.ScanResult {
	scan := autonomous.ScanResult{Score: 100}

	if usage, err := disk.UsageWithContext(ctx, rootPath()); err == nil {
		switch {
		case usage.UsedPercent > 95:
			scan.Score -= 30
			scan.IssuesFound = append(scan.IssuesFound, autonomous.Issue{
				Type: "disk", Severity: "high",
				Message: fmt.Sprintf("disk %.0f%% full", usage.UsedPercent),
			})
		case usage.UsedPercent > 85:
			scan.Score -= 10
			scan.IssuesFound = append(scan.IssuesFound, autonomous.Issue{
				Type: "disk", Severity: "medium",
				Message: fmt.Sprintf("disk %.0f%% full", usage.UsedPercent),
			})
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		switch {
		case vm.UsedPercent > 95:
			scan.Score -= 25
			scan.IssuesFound = append(scan.IssuesFound, autonomous.Issue{
				Type: "memory", Severity: "high",
				Message: fmt.Sprintf("memory %.0f%% used", vm.UsedPercent),
			})
		case vm.UsedPercent > 85:
			scan.Score -= 10
			scan.IssuesFound = append(scan.IssuesFound, autonomous.Issue{
				Type: "memory", Severity: "medium",
				Message: fmt.Sprintf("memory %.0f%% used", vm.UsedPercent),
			})
		}
	}

	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		for _, p := range procs {
			name, err := p.NameWithContext(ctx)
			if err != nil {
				continue
			}
			lower := strings.ToLower(name)
			for _, bad := range suspiciousNames {
				if strings.Contains(lower, bad) {
					scan.Score -= 20
					scan.ThreatsFound = append(scan.ThreatsFound, autonomous.Threat{
						Type: "suspicious_process", PID: int(p.Pid), Name: name,
					})
					break
				}
			}
		}
	}

	if conns, err := gnet.ConnectionsWithContext(ctx, "inet"); err == nil {
		for _, c := range conns {
			if c.Status != "LISTEN" && c.Status != "ESTABLISHED" {
				continue
			}
			if suspiciousPorts[c.Laddr.Port] || suspiciousPorts[c.Raddr.Port] {
				scan.Score -= 20
				port := c.Laddr.Port
				if suspiciousPorts[c.Raddr.Port] {
					port = c.Raddr.Port
				}
				scan.ThreatsFound = append(scan.ThreatsFound, autonomous.Threat{
					Type: "suspicious_connection", Port: int(port),
				})
			}
		}
	}

	if scan.Score < 0 {
		scan.Score = 0
	}
	return scan
}

func listDir(path string) (map[string]any, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	files := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{"name": entry.Name(), "dir": entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
			item["modified"] = protocol.Timestamp(info.ModTime())
		}
		files = append(files, item)
	}
	return map[string]any{"path": path, "entries": files}, nil
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

// intParam reads a numeric parameter that JSON decoding may have left
// as float64.
func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
