package privileged

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sys/unix"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// ServerConfig mirrors the fields of config.PrivilegedConfig the daemon
// itself needs, independent of ExecutorConfig.
type ServerConfig struct {
	SocketPath            string
	RequestTimeoutSeconds float64
	MaxRequestBytes       int
	RequireGrantOps       []string
	RequireGrantForAllOps bool
	AllowedPeerUIDs       []int
	SocketMode            string
	SocketUID             *int
	SocketGID             *int
}

// Server is the privileged daemon's Unix-socket RPC endpoint, ported
// from core/system_service.py: it accepts newline-delimited JSON
// requests, checks the caller's UID via SO_PEERCRED, verifies a grant
// token when the requested op requires one, and dispatches to Executor.
type Server struct {
	cfg      ServerConfig
	executor *Executor
	grants   *GrantSigner
	log      *logger.Logger

	requireGrant map[string]struct{}
	allowedUIDs  map[int]struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	stopping bool

	// agentExec, when set, handles the "agent_cli_exec" op: a remote
	// gateway instance dispatching an agent CLI invocation to run on
	// this daemon's host instead of its own. cmd/sysd wires this to an
	// agent.Adapter per the allowed agent list.
	agentExec func(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error)

	// audit, when set, records requests this daemon rejects before ever
	// reaching Executor (peer-UID denial, missing/invalid grant); the
	// per-op accept path is audited inside Executor.Execute itself so
	// single-process deployments (no daemon in front of Executor at
	// all) still get the full trail.
	audit pipeline.AuditLogger
}

// SetAuditLogger wires the daemon-level audit trail for requests this
// server rejects before dispatch.
func (s *Server) SetAuditLogger(a pipeline.AuditLogger) {
	s.audit = a
}

// SetAgentExecHandler wires the "agent_cli_exec" op to fn. Left unset,
// the daemon rejects that op with agent_cli_exec_unsupported.
func (s *Server) SetAgentExecHandler(fn func(ctx context.Context, action map[string]interface{}) (map[string]interface{}, error)) {
	s.agentExec = fn
}

func NewServer(cfg ServerConfig, executor *Executor, grants *GrantSigner, log *logger.Logger) *Server {
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 15
	}
	if cfg.MaxRequestBytes < 1024 {
		cfg.MaxRequestBytes = 131072
	}
	if log == nil {
		log = logger.Nop()
	}

	requireGrant := map[string]struct{}{}
	ops := cfg.RequireGrantOps
	if len(ops) == 0 {
		ops = []string{"cron_upsert", "cron_delete", "docker_exec", "config_write", "config_append", "config_delete", "config_rollback"}
	}
	for _, op := range ops {
		requireGrant[strings.ToLower(op)] = struct{}{}
	}

	allowed := map[int]struct{}{}
	for _, uid := range cfg.AllowedPeerUIDs {
		allowed[uid] = struct{}{}
	}

	return &Server{
		cfg:          cfg,
		executor:     executor,
		grants:       grants,
		log:          log,
		requireGrant: requireGrant,
		allowedUIDs:  allowed,
		conns:        map[net.Conn]struct{}{},
	}
}

// Start binds the socket, removing any stale file left over from a
// previous crash, and begins accepting connections in a goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0755); err != nil {
		return fmt.Errorf("system_service: mkdir: %w", err)
	}
	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return fmt.Errorf("system_service: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("system_service: listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.applySocketPermissions()

	go s.acceptLoop(ln)
	s.log.Info("system_service: listening", logger.String("socket", s.cfg.SocketPath))
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return
			}
			s.log.Warn("system_service: accept error", logger.Err(err))
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopping = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}

	s.mu.Lock()
	s.conns = map[net.Conn]struct{}{}
	s.mu.Unlock()

	if _, err := os.Stat(s.cfg.SocketPath); err == nil {
		return os.Remove(s.cfg.SocketPath)
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetDeadline(time.Now().Add(time.Duration(s.cfg.RequestTimeoutSeconds * float64(time.Second))))

	peerUID, ok := extractPeerUID(conn)
	if !s.isPeerUIDAllowed(peerUID, ok) {
		if s.audit != nil {
			s.audit.Log("peer_uid_not_allowed", map[string]interface{}{"peer_uid": peerUID})
		}
		s.reply(conn, map[string]interface{}{"ok": false, "reason": "peer_uid_not_allowed", "peer_uid": peerUID})
		return
	}

	reader := bufio.NewReaderSize(conn, s.cfg.MaxRequestBytes+1)
	raw, err := reader.ReadBytes('\n')
	if err != nil && len(raw) == 0 {
		s.reply(conn, map[string]interface{}{"ok": false, "reason": "empty_request"})
		return
	}
	if len(raw) > s.cfg.MaxRequestBytes {
		s.reply(conn, map[string]interface{}{"ok": false, "reason": "request_too_large"})
		return
	}

	// Cheap field peek ahead of the full unmarshal below: if decode
	// fails we still want the attempted op in the audit trail, and
	// gjson can pull it out of a partially malformed payload that
	// encoding/json would reject outright.
	peekedOp := gjson.GetBytes(raw, "action.op").String()

	var req map[string]interface{}
	if err := json.Unmarshal(raw, &req); err != nil {
		if s.audit != nil {
			s.audit.Log("request_decode_failed", map[string]interface{}{"peer_uid": peerUID, "op": peekedOp, "error": err.Error()})
		}
		s.reply(conn, map[string]interface{}{"ok": false, "reason": fmt.Sprintf("request_decode_failed:%v", err)})
		return
	}

	s.reply(conn, s.processRequest(req))
}

func (s *Server) isPeerUIDAllowed(uid int, ok bool) bool {
	if len(s.allowedUIDs) == 0 {
		return true
	}
	if !ok {
		return false
	}
	_, allowed := s.allowedUIDs[uid]
	return allowed
}

// extractPeerUID reads SO_PEERCRED off the connection's underlying file
// descriptor. Linux-only, matching the daemon's own deployment target;
// the original also tries a BSD getpeereid() fallback that Go's net
// package has no portable equivalent for.
func extractPeerUID(conn net.Conn) (int, bool) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, false
	}
	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil || cred == nil {
		return 0, false
	}
	return int(cred.Uid), true
}

func (s *Server) reply(conn net.Conn, payload map[string]interface{}) {
	wire, err := json.Marshal(payload)
	if err != nil {
		return
	}
	wire = append(wire, '\n')
	_, _ = conn.Write(wire)
}

func (s *Server) requiresGrant(action map[string]interface{}) bool {
	if s.cfg.RequireGrantForAllOps {
		return true
	}
	op := strings.ToLower(argString(action, "op"))
	if _, ok := s.requireGrant[op]; ok {
		return true
	}
	if op == "read_file" && s.executor != nil {
		return s.executor.isSensitivePath(argString(action, "path"))
	}
	return false
}

func (s *Server) verifyGrant(req, action map[string]interface{}) map[string]interface{} {
	if !s.requiresGrant(action) {
		return nil
	}
	if s.grants == nil {
		return map[string]interface{}{"ok": false, "reason": "grant_required_but_unavailable"}
	}
	token := argString(req, "grant")
	if token == "" {
		return map[string]interface{}{"ok": false, "reason": "grant_required"}
	}
	userID := argString(req, "user_id")
	ok, reason := s.grants.Verify(token, userID, action, true)
	if !ok {
		return map[string]interface{}{"ok": false, "reason": fmt.Sprintf("grant_invalid:%s", reason)}
	}
	return nil
}

func (s *Server) processRequest(req map[string]interface{}) map[string]interface{} {
	actionRaw, ok := req["action"]
	if !ok {
		return map[string]interface{}{"ok": false, "reason": "action_not_object"}
	}
	action, ok := actionRaw.(map[string]interface{})
	if !ok {
		return map[string]interface{}{"ok": false, "reason": "action_not_object"}
	}
	if argString(req, "user_id") == "" {
		return map[string]interface{}{"ok": false, "reason": "user_id_required"}
	}

	if grantErr := s.verifyGrant(req, action); grantErr != nil {
		if s.audit != nil {
			s.audit.Log("grant_rejected", map[string]interface{}{
				"user_id": argString(req, "user_id"),
				"op":      argString(action, "op"),
				"reason":  grantErr["reason"],
			})
		}
		return grantErr
	}

	result, err := s.executeAction(action)
	if err != nil {
		return map[string]interface{}{"ok": false, "reason": err.Error()}
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	if _, has := result["ok"]; !has {
		result["ok"] = true
	}
	return result
}

// executeAction dispatches the RPC wire op (the original's action
// vocabulary: "journal", "read_file", "cron_list", "cron_upsert",
// "cron_delete", "docker_exec", "config_write", "config_append",
// "config_delete", "config_rollback") straight to Executor, which
// understands both its own op names and these wire aliases. The one op
// Executor has no notion of, "agent_cli_exec", is handled here.
func (s *Server) executeAction(action map[string]interface{}) (map[string]interface{}, error) {
	op := strings.ToLower(argString(action, "op"))
	if op == "agent_cli_exec" {
		if s.agentExec == nil {
			return map[string]interface{}{"ok": false, "reason": "agent_cli_exec_unsupported"}, nil
		}
		return s.agentExec(context.Background(), action)
	}
	if s.executor == nil {
		return map[string]interface{}{"ok": false, "reason": "system_executor_unavailable"}, nil
	}
	return s.executor.Execute(context.Background(), op, action)
}

func (s *Server) applySocketPermissions() {
	if s.cfg.SocketMode != "" {
		if mode, err := parseOctalMode(s.cfg.SocketMode); err == nil {
			_ = os.Chmod(s.cfg.SocketPath, mode)
		} else {
			s.log.Warn("system_service: invalid socket_mode", logger.String("mode", s.cfg.SocketMode))
		}
	}
	if s.cfg.SocketUID != nil || s.cfg.SocketGID != nil {
		uid, gid := -1, -1
		if s.cfg.SocketUID != nil {
			uid = *s.cfg.SocketUID
		}
		if s.cfg.SocketGID != nil {
			gid = *s.cfg.SocketGID
		}
		if err := os.Chown(s.cfg.SocketPath, uid, gid); err != nil {
			s.log.Warn("system_service: chown failed", logger.Err(err))
		}
	}
}

func parseOctalMode(s string) (os.FileMode, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0o")
	s = strings.TrimPrefix(s, "0")
	if s == "" {
		s = "0"
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	return os.FileMode(v), nil
}
