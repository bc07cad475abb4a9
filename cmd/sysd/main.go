// Command sysd is the privileged daemon: it owns the Unix-socket RPC
// endpoint, the filesystem/cron/docker/journal executor, and (when the
// config allowlists it) runs agent_cli_exec requests forwarded from a
// gateway instance that has no local CLI binaries of its own.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/kapy9250/cli-gateway-sub000/pkg/audit"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/privileged"
)

func main() {
	configPath := flag.String("config", "./config.json", "path to the sysd JSON config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sysd: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer log.Sync()

	log.Info("sysd starting", logger.String("socket_path", cfg.Privileged.SocketPath))

	auditLogger := audit.New(audit.Config{
		Path:                    cfg.Privileged.AuditLogPath,
		PromptGuardEnabled:      cfg.Security.PromptGuard.Enabled,
		PromptGuardAction:       cfg.Security.PromptGuard.Action,
		PromptGuardSensitivity:  cfg.Security.PromptGuard.Sensitivity,
		LeakDetectorEnabled:     cfg.Security.LeakDetector.Enabled,
		LeakDetectorSensitivity: cfg.Security.LeakDetector.Sensitivity,
	})
	defer auditLogger.Close()

	executor := privileged.NewExecutor(privileged.ExecutorConfig{
		CronDir:              cfg.Privileged.CronDir,
		DockerBin:            cfg.Privileged.DockerBin,
		MaxReadBytes:         cfg.Privileged.MaxReadBytes,
		MaxJournalLines:      cfg.Privileged.MaxJournalLines,
		MaxDockerOutputBytes: cfg.Privileged.MaxDockerOutputBytes,
		SensitiveReadPaths:   cfg.Privileged.SensitiveReadPaths,
		WriteAllowedPaths:    cfg.Privileged.WriteAllowedPaths,
	}, log.With(logger.String("component", "executor")))
	executor.SetAuditLogger(auditLogger)

	grantSigner := privileged.NewGrantSigner(cfg.Grant.Secret, cfg.Grant.TTLSeconds)

	server := privileged.NewServer(privileged.ServerConfig{
		SocketPath:            cfg.Privileged.SocketPath,
		RequestTimeoutSeconds: cfg.Privileged.RequestTimeoutSeconds,
		MaxRequestBytes:       cfg.Privileged.MaxRequestBytes,
		RequireGrantOps:       cfg.Privileged.RequireGrantOps,
		RequireGrantForAllOps: cfg.Privileged.RequireGrantForAllOps,
		AllowedPeerUIDs:       cfg.Privileged.AllowedPeerUIDs,
		SocketMode:            cfg.Privileged.SocketMode,
		SocketUID:             cfg.Privileged.SocketUID,
		SocketGID:             cfg.Privileged.SocketGID,
	}, executor, grantSigner, log.With(logger.String("component", "server")))
	server.SetAuditLogger(auditLogger)

	if len(cfg.Privileged.AgentAllowlist) > 0 {
		allow := make(map[string]struct{}, len(cfg.Privileged.AgentAllowlist))
		for _, name := range cfg.Privileged.AgentAllowlist {
			allow[name] = struct{}{}
		}
		server.SetAgentExecHandler(agentExecHandler(allow, log.With(logger.String("component", "agent_cli_exec"))))
		names := cfg.Privileged.AgentAllowlist
		sort.Strings(names)
		log.Info("agent_cli_exec enabled", logger.String("allowlist", fmt.Sprint(names)))
	}

	if err := server.Start(); err != nil {
		log.Error("failed to start server", logger.Err(err))
		os.Exit(1)
	}
	log.Info("sysd listening", logger.String("socket_path", cfg.Privileged.SocketPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	log.Info("sysd shutting down")
	if err := server.Stop(); err != nil {
		log.Warn("server stop error", logger.Err(err))
	}
	log.Info("sysd stopped")
}

// agentExecHandler runs the CLI command a gateway's agent.Adapter could
// not run locally (RequireRemote, or no local toolchain). It does not
// reuse pkg/agent.Adapter's session bookkeeping: the remote side only
// ever needs one request/response pair per invocation, the shape
// SysClientComponent already exposes.
func agentExecHandler(allow map[string]struct{}, log *logger.Logger) func(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error) {
	return func(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error) {
		agentName, _ := action["agent"].(string)
		if _, ok := allow[agentName]; !ok {
			return map[string]interface{}{"ok": false, "reason": "agent_not_allowed"}, nil
		}
		command, _ := action["command"].(string)
		if command == "" {
			return map[string]interface{}{"ok": false, "reason": "missing_command"}, nil
		}
		args := toStringSlice(action["args"])
		cwd, _ := action["cwd"].(string)
		timeoutSeconds := toInt(action["timeout_seconds"])
		if timeoutSeconds <= 0 {
			timeoutSeconds = 300
		}

		runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
		defer cancel()

		cmd := exec.CommandContext(runCtx, command, args...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), envPairs(action["env"])...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		runErr := cmd.Run()
		returncode := 0
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returncode = exitErr.ExitCode()
		} else if runErr != nil && runCtx.Err() == context.DeadlineExceeded {
			returncode = -1
		} else if runErr != nil {
			log.Warn("agent_cli_exec spawn error", logger.String("agent", agentName), logger.Err(runErr))
			return map[string]interface{}{"ok": false, "reason": "spawn_failed"}, nil
		}

		return map[string]interface{}{
			"ok":         true,
			"stdout":     stdout.String(),
			"stderr":     stderr.String(),
			"returncode": returncode,
		}, nil
	}
}

func toStringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func envPairs(v interface{}) []string {
	m, ok := v.(map[string]string)
	if !ok {
		if mi, ok := v.(map[string]interface{}); ok {
			out := make([]string, 0, len(mi))
			for k, val := range mi {
				if s, ok := val.(string); ok {
					out = append(out, k+"="+s)
				}
			}
			return out
		}
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

func toInt(v interface{}) int {
	switch vv := v.(type) {
	case int:
		return vv
	case int64:
		return int(vv)
	case float64:
		return int(vv)
	default:
		return 0
	}
}
