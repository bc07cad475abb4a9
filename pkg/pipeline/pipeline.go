// Package pipeline implements the middleware onion (spec.md §4.3): an
// ordered chain of handlers sharing one per-request Context, each able to
// short-circuit by not calling next.
package pipeline

import (
	"context"

	"github.com/kapy9250/cli-gateway-sub000/pkg/auth"
	"github.com/kapy9250/cli-gateway-sub000/pkg/billing"
	"github.com/kapy9250/cli-gateway-sub000/pkg/bus"
	"github.com/kapy9250/cli-gateway-sub000/pkg/channels"
	"github.com/kapy9250/cli-gateway-sub000/pkg/config"
	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/session"
	"github.com/kapy9250/cli-gateway-sub000/pkg/streaming"
)

// Context carries every component reference a middleware might need plus
// the mutable fields later middlewares fill in. It is built once per
// incoming message and passed down the chain by pointer.
type Context struct {
	Ctx context.Context

	// Immutable request data.
	Message     bus.IncomingMessage
	ChannelName string
	UserID      string

	// Component references, injected by the router.
	Router      Router
	Auth        *auth.Auth
	Sessions    *session.Manager
	Agents      AgentRegistry
	Channel     channels.ChatChannel
	Billing     *billing.Tracker
	TwoFactor   TwoFactorComponent
	SudoState   SudoStateComponent
	SysExecutor SysExecutorComponent
	SysClient   SysClientComponent
	SysGrant    SysGrantComponent
	Audit       AuditLogger
	Memory      MemoryComponent
	Formatter   *streaming.Formatter
	Config      *config.Config
	Log         *logger.Logger

	// Mutable working state, set by middlewares as the request advances.
	Session  *session.ManagedSession
	AgentID  string
	Response string
}

// Router is the subset of router behavior a middleware is allowed to
// call back into. Kept as an interface here so pkg/pipeline has no
// import-cycle dependency on pkg/router.
type Router interface {
	Reply(ctx context.Context, msg bus.IncomingMessage, text string) error
	ScopeID(msg bus.IncomingMessage) string
	GetSessionLock(sessionID string) Locker
	PopSessionLock(sessionID string)
	GetCancelEvent(sessionID string) CancelEvent
	PeekCancelEvent(sessionID string) CancelEvent
	PopCancelEvent(sessionID string)
	IsSudoEnabled(msg bus.IncomingMessage) bool

	GetUserAgent(userID string) string
	SetUserAgent(userID, agentName string)
	PopUserModelPref(userID string) (string, bool)
	SetUserModelPref(userID, model string)
	DefaultAgentName() string

	EnableSudo(msg bus.IncomingMessage, ttlSeconds int)
	DisableSudo(msg bus.IncomingMessage) bool
	SudoStatus(msg bus.IncomingMessage) (enabled bool, remainingSeconds int)
}

// Locker matches the subset of sync.Mutex the agent_dispatcher stage
// needs, expressed as an interface so tests can substitute a fake.
type Locker interface {
	TryLock() bool
	Lock()
	Unlock()
}

// CancelEvent mirrors the source's per-session asyncio.Event.
type CancelEvent interface {
	Set()
	IsSet() bool
	Clear()
}

// AgentRegistry resolves an agent family by name. Defined here (rather
// than importing pkg/agent) to keep the dependency direction one-way:
// pkg/agent does not need to know about pipeline.Context.
type AgentRegistry interface {
	Get(name string) (AgentHandle, bool)
}

// AgentHandle is the minimal surface a middleware needs from an agent
// adapter; the concrete type lives in pkg/agent.
type AgentHandle interface {
	Name() string
	DefaultModel() string
	DefaultParams() map[string]string
	CreateSession(ctx context.Context, userID, chatID, sessionID string) (SessionInfo, error)
	GetSessionInfo(sessionID string) (SessionInfo, bool)
	IsProcessAlive(sessionID string) bool
	KillProcess(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, message string, model string, params map[string]string, runAsRoot bool) (<-chan string, error)
	GetLastUsage(sessionID string) (UsageInfo, bool)
}

// SessionInfo is the agent-owned runtime adjunct to a ManagedSession.
type SessionInfo struct {
	SessionID string
	WorkDir   string
	PID       int
	IsBusy    bool
}

// UsageInfo is the per-turn cost record an adapter reports, consumed
// (popped) once per turn.
type UsageInfo struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	CostUSD             float64
	DurationMS          int64
	Model               string
}

// ApprovedPayload is returned once a pending 2FA reply's TOTP code checks
// out: the command to retry, now that the approval window is active.
type ApprovedPayload struct {
	RetryCmd    string
	ChallengeID string
}

// Challenge mirrors the TwoFactorChallenge record a /sysauth plan/status
// call surfaces to the user.
type Challenge struct {
	ChallengeID string
	ActionHash  string
	CreatedAt   float64
	ExpiresAt   float64
	Approved    bool
}

// Enrollment is the pending-TOTP-binding record /sysauth setup exposes.
type Enrollment struct {
	Secret            string
	OTPAuthURI        string
	Issuer            string
	AccountName       string
	ExpiresAt         float64
	Reused            bool
	AlreadyConfigured bool
}

// EnrollmentStatus answers /sysauth setup status.
type EnrollmentStatus struct {
	Configured        bool
	Pending           bool
	PendingExpiresAt  float64
}

// TwoFactorComponent is the subset of the two-factor manager the reply
// middleware and /sudo, /sysauth commands need.
type TwoFactorComponent interface {
	Enabled() bool
	IssuerName() string
	ApprovalGraceSeconds() int

	GetPendingApprovalInput(userID string) (retryCmd, challengeID string, ok bool)
	SetPendingApprovalInput(userID, challengeID, retryCmd string)
	ApprovePendingInputCode(userID, code string) (ok bool, reason string, approved *ApprovedPayload)
	ClearPendingApprovalInput(userID string, revokeChallenge bool)

	CreateChallenge(userID string, actionPayload map[string]interface{}) Challenge
	ApproveChallenge(challengeID, userID, code string) (ok bool, reason string)
	ConsumeApproval(challengeID, userID string, actionPayload map[string]interface{}) (ok bool, reason string)
	ChallengeStatus(challengeID, userID string) (Challenge, bool)

	ActivateApprovalWindow(userID, channel, chatID string, ttlSeconds ...int) (ttlSecondsActive int)

	BeginEnrollment(userID, accountName, issuer string) Enrollment
	VerifyEnrollment(userID, code string) (ok bool, reason string)
	CancelEnrollment(userID string) bool
	EnrollmentStatus(userID string) EnrollmentStatus
}

// SudoStateComponent is the subset of the sudo-window manager the
// agent_dispatcher and /sudo commands need.
type SudoStateComponent interface {
	IsEnabled(userID, channel, chatID string) bool
	Status(userID, channel, chatID string) (enabled bool, remainingSeconds int)
	Enable(userID, channel, chatID string, ttlSeconds int)
	Disable(userID, channel, chatID string) bool
}

// SysExecutorComponent is the local-process half of the privileged
// subsystem (read_file/write_file/cron/docker/journal/agent_cli_exec);
// a nil value means this instance has no local privileged executor.
type SysExecutorComponent interface {
	Execute(ctx context.Context, op string, args map[string]interface{}) (map[string]interface{}, error)
}

// SysClientComponent forwards a privileged op to a remote daemon over
// the RPC socket; used instead of SysExecutor when running split.
type SysClientComponent interface {
	Execute(ctx context.Context, op string, args map[string]interface{}) (map[string]interface{}, error)
}

// SysGrantComponent issues/verifies the HS256 grant tokens privileged
// ops can require in addition to a live 2FA approval window.
type SysGrantComponent interface {
	Issue(userID string, actionPayload map[string]interface{}) (string, error)
	Verify(token, userID string, actionPayload map[string]interface{}, consume bool) (ok bool, reason string)
}

type AuditLogger interface {
	Log(event string, fields map[string]interface{})
}

// MemoryRow is one listed/found memory record, as surfaced to /memory.
type MemoryRow struct {
	MemoryID string
	Tier     string
	Domain   string
	Topic    string
	Summary  string
	Pinned   bool
}

// MemoryComponent is the subset of the tiered memory store the /memory
// command family and the agent-dispatcher's turn-capture call need.
type MemoryComponent interface {
	Enabled() bool
	CaptureTurn(ctx context.Context, userID, scopeID, sessionID, channel, userText, assistantText string) (string, error)
	BuildContext(ctx context.Context, userID, query string) (string, error)

	ListMemories(ctx context.Context, userID, tier string, limit int) ([]MemoryRow, error)
	SearchMemories(ctx context.Context, userID, query string, sessionID string) (rows []MemoryRow, retrievalID string, err error)
	GetMemory(ctx context.Context, userID, memoryID string) (MemoryRow, bool, error)
	AddNote(ctx context.Context, userID, text string) (string, error)
	SetPinned(ctx context.Context, userID, memoryID string, pinned bool) error
	ForgetMemory(ctx context.Context, userID, memoryID string) error
	RecordRetrievalFeedback(ctx context.Context, retrievalID, verdict, note string) error

	UserStats(ctx context.Context, userID string) (items int, vectorSupported bool, err error)
	HealthStats(ctx context.Context) (totalItems int, vectorSupported bool, err error)
	RetrievalStats(ctx context.Context, days int) (map[string]interface{}, error)
}

// Middleware is one stage of the onion chain.
type Middleware func(ctx *Context, next func() error) error

// Pipeline runs an ordered list of middlewares as a nested chain: mw[0]
// wraps mw[1] wraps ... wraps a terminal no-op, matching the teacher's
// right-to-left closure construction (avoids the late-binding loop-var
// bug without needing a helper type).
type Pipeline struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: middlewares}
}

func (p *Pipeline) Execute(ctx *Context) error {
	handler := func() error { return nil }
	for i := len(p.middlewares) - 1; i >= 0; i-- {
		handler = bindHandler(p.middlewares[i], handler, ctx)
	}
	return handler()
}

func bindHandler(mw Middleware, next func() error, ctx *Context) func() error {
	return func() error { return mw(ctx, next) }
}
