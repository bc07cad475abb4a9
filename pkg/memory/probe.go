package memory

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
)

// probeLoop runs MemoryConfig.ProbeCommands on the schedule described
// by MemoryConfig.ProbeCron, storing each run's combined output as a
// __system__-owned "env" memory so later turns can be grounded in
// current environment state (disk usage, service health, ...) without
// every agent invocation re-running the probe itself. Ported from the
// periodic probe-command machinery core/memory.py describes; this is
// the one place gronx's cron-expression evaluation is exercised.
type probeLoop struct {
	cron     string
	commands [][]string
	mgr      *Manager
	log      *logger.Logger
	stop     chan struct{}
}

func newProbeLoop(cron string, commands [][]string, mgr *Manager, log *logger.Logger) *probeLoop {
	return &probeLoop{cron: cron, commands: commands, mgr: mgr, log: log, stop: make(chan struct{})}
}

func (p *probeLoop) enabled() bool {
	return p.cron != "" && len(p.commands) > 0
}

func (p *probeLoop) run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			due, err := gronx.IsDue(p.cron, now)
			if err != nil {
				p.log.Warn("invalid probe cron expression", logger.String("cron", p.cron), logger.Err(err))
				return
			}
			if due {
				p.runOnce()
			}
		}
	}
}

func (p *probeLoop) runOnce() {
	for _, cmd := range p.commands {
		if len(cmd) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		out, err := exec.CommandContext(ctx, cmd[0], cmd[1:]...).CombinedOutput()
		cancel()
		if err != nil {
			p.log.Warn("probe command failed", logger.String("command", strings.Join(cmd, " ")), logger.Err(err))
			continue
		}
		text := strings.TrimSpace(string(out))
		if text == "" {
			continue
		}
		_, _ = p.mgr.storeSystemObservation(strings.Join(cmd, " "), text)
	}
}

func (p *probeLoop) Stop() {
	close(p.stop)
}
