// Package privileged implements the system-mode surface: TOTP-based
// two-factor approval, signed short-lived grants, the privileged local
// executor, and the Unix-socket RPC client/server that lets the gateway
// process reach it without running as root itself.
package privileged

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kapy9250/cli-gateway-sub000/pkg/logger"
	"github.com/kapy9250/cli-gateway-sub000/pkg/pipeline"
)

// challengeRecord mirrors pipeline.Challenge plus the action payload
// needed to re-verify it was consumed for the thing it was issued for.
type challengeRecord struct {
	pipeline.Challenge
	UserID string
}

type pendingInput struct {
	ChallengeID string
	RetryCmd    string
}

type pendingEnrollment struct {
	Secret      string
	AccountName string
	Issuer      string
	ExpiresAt   float64
}

type approvalWindow struct {
	ExpiresAt float64
}

type persistedTwoFactor struct {
	Secrets map[string]string `json:"secrets_by_user"`
}

// TwoFactorManager implements pipeline.TwoFactorComponent. The base
// TOTP/challenge mechanics follow core/two_factor.py; enrollment and the
// pending-input/approval-window surface are synthesized from the call
// sites in the sysauth and sudo command handlers (the retrieved
// two_factor.py only shows the narrower base class).
type TwoFactorManager struct {
	mu sync.Mutex

	enabled              bool
	issuer               string
	ttlSeconds           int
	validWindow          int
	periodSeconds        int
	digits               int
	approvalGraceSeconds int
	enrollmentTTL        int
	statePath            string

	secrets      map[string]string
	challenges   map[string]*challengeRecord
	pending      map[string]*pendingInput
	enrollments  map[string]*pendingEnrollment
	approvalWins map[string]*approvalWindow

	log *logger.Logger
}

func NewTwoFactorManager(cfg TwoFactorManagerConfig) *TwoFactorManager {
	m := &TwoFactorManager{
		enabled:              cfg.Enabled,
		issuer:               cfg.Issuer,
		ttlSeconds:           cfg.TTLSeconds,
		validWindow:          cfg.ValidWindow,
		periodSeconds:        cfg.PeriodSeconds,
		digits:               cfg.Digits,
		approvalGraceSeconds: cfg.ApprovalGraceSeconds,
		enrollmentTTL:        cfg.EnrollmentTTLSeconds,
		statePath:            cfg.StatePath,
		secrets:              map[string]string{},
		challenges:           map[string]*challengeRecord{},
		pending:              map[string]*pendingInput{},
		enrollments:          map[string]*pendingEnrollment{},
		approvalWins:         map[string]*approvalWindow{},
		log:                  cfg.Log,
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.periodSeconds <= 0 {
		m.periodSeconds = 30
	}
	if m.digits <= 0 {
		m.digits = 6
	}
	if m.statePath != "" {
		if err := m.load(); err != nil {
			m.log.Warn("two_factor: failed to load state", logger.Err(err))
		}
	}
	return m
}

// TwoFactorManagerConfig mirrors config.TwoFactorConfig without importing
// pkg/config, keeping pkg/privileged free of a dependency on it.
type TwoFactorManagerConfig struct {
	Enabled              bool
	Issuer               string
	StatePath            string
	TTLSeconds           int
	ValidWindow          int
	PeriodSeconds        int
	Digits               int
	ApprovalGraceSeconds int
	EnrollmentTTLSeconds int
	Log                  *logger.Logger
}

func (m *TwoFactorManager) Enabled() bool            { return m.enabled }
func (m *TwoFactorManager) IssuerName() string        { return m.issuer }
func (m *TwoFactorManager) ApprovalGraceSeconds() int { return m.approvalGraceSeconds }

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// --- TOTP core, ported from core/two_factor.py ---

func generateSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}

func totpCodeAt(secret string, periodSeconds, digits int, t int64) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(padBase32(secret))
	if err != nil {
		return "", fmt.Errorf("two_factor: bad secret: %w", err)
	}
	counter := uint64(t / int64(periodSeconds))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}
	return fmt.Sprintf("%0*d", digits, bin%mod), nil
}

func padBase32(s string) string {
	if n := len(s) % 8; n != 0 {
		s += "========"[:8-n]
	}
	return s
}

func (m *TwoFactorManager) verifyCode(secret, code string) bool {
	if secret == "" || code == "" || len(code) != m.digits {
		return false
	}
	now := time.Now().Unix()
	for w := -m.validWindow; w <= m.validWindow; w++ {
		want, err := totpCodeAt(secret, m.periodSeconds, m.digits, now+int64(w*m.periodSeconds))
		if err != nil {
			return false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

func otpauthURI(issuer, account, secret string, periodSeconds, digits int) string {
	label := url.PathEscape(fmt.Sprintf("%s:%s", issuer, account))
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprintf("%d", digits))
	q.Set("period", fmt.Sprintf("%d", periodSeconds))
	return fmt.Sprintf("otpauth://totp/%s?%s", label, q.Encode())
}

// --- challenge CRUD, ported from core/two_factor.py ---

func canonicalJSON(payload interface{}) ([]byte, error) {
	return json.Marshal(payload)
}

func actionHash(payload map[string]interface{}) string {
	b, _ := canonicalJSON(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (m *TwoFactorManager) cleanupStaleLocked(now float64) {
	for id, c := range m.challenges {
		if c.ExpiresAt < now {
			delete(m.challenges, id)
		}
	}
	for uid, e := range m.enrollments {
		if e.ExpiresAt < now {
			delete(m.enrollments, uid)
		}
	}
	for key, w := range m.approvalWins {
		if w.ExpiresAt < now {
			delete(m.approvalWins, key)
		}
	}
}

func (m *TwoFactorManager) CreateChallenge(userID string, actionPayload map[string]interface{}) pipeline.Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUnix()
	m.cleanupStaleLocked(now)

	id := uuid.NewString()
	rec := &challengeRecord{
		Challenge: pipeline.Challenge{
			ChallengeID: id,
			ActionHash:  actionHash(actionPayload),
			CreatedAt:   now,
			ExpiresAt:   now + float64(m.ttlSeconds),
			Approved:    false,
		},
		UserID: userID,
	}
	m.challenges[id] = rec
	return rec.Challenge
}

func (m *TwoFactorManager) ApproveChallenge(challengeID, userID, code string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.challenges[challengeID]
	if !ok {
		return false, "not_found"
	}
	if rec.UserID != userID {
		return false, "not_found"
	}
	if rec.ExpiresAt < nowUnix() {
		delete(m.challenges, challengeID)
		return false, "expired"
	}
	secret, enrolled := m.secrets[userID]
	if !enrolled {
		return false, "not_enrolled"
	}
	if !m.verifyCode(secret, code) {
		return false, "bad_code"
	}
	rec.Approved = true
	return true, ""
}

func (m *TwoFactorManager) ConsumeApproval(challengeID, userID string, actionPayload map[string]interface{}) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.challenges[challengeID]
	if !ok {
		return false, "not_found"
	}
	if rec.UserID != userID {
		return false, "not_found"
	}
	if !rec.Approved {
		return false, "not_approved"
	}
	if rec.ExpiresAt < nowUnix() {
		delete(m.challenges, challengeID)
		return false, "expired"
	}
	if rec.ActionHash != actionHash(actionPayload) {
		return false, "action_mismatch"
	}
	delete(m.challenges, challengeID)
	return true, ""
}

func (m *TwoFactorManager) ChallengeStatus(challengeID, userID string) (pipeline.Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.challenges[challengeID]
	if !ok || rec.UserID != userID {
		return pipeline.Challenge{}, false
	}
	return rec.Challenge, true
}

// --- pending-input surface used by the 2FA-code reply middleware ---

func (m *TwoFactorManager) GetPendingApprovalInput(userID string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userID]
	if !ok {
		return "", "", false
	}
	return p.RetryCmd, p.ChallengeID, true
}

func (m *TwoFactorManager) SetPendingApprovalInput(userID, challengeID, retryCmd string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = &pendingInput{ChallengeID: challengeID, RetryCmd: retryCmd}
}

func (m *TwoFactorManager) ClearPendingApprovalInput(userID string, revokeChallenge bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[userID]
	delete(m.pending, userID)
	if ok && revokeChallenge {
		delete(m.challenges, p.ChallengeID)
	}
}

// ApprovePendingInputCode verifies the code against whatever challenge is
// currently pending for userID, and on success returns the retry command
// bound to it so the reply middleware can re-dispatch the original text.
func (m *TwoFactorManager) ApprovePendingInputCode(userID, code string) (bool, string, *pipeline.ApprovedPayload) {
	m.mu.Lock()
	p, ok := m.pending[userID]
	m.mu.Unlock()
	if !ok {
		return false, "no_pending_approval", nil
	}

	ok2, reason := m.ApproveChallenge(p.ChallengeID, userID, code)
	if !ok2 {
		return false, reason, nil
	}

	m.mu.Lock()
	delete(m.pending, userID)
	m.mu.Unlock()

	return true, "", &pipeline.ApprovedPayload{RetryCmd: p.RetryCmd, ChallengeID: p.ChallengeID}
}

// --- approval window, synthesized from sysauth_cmd.py's "challenge-free
// for N seconds" behavior after a successful approve ---

func approvalWindowKey(userID, channel, chatID string) string {
	return userID + "|" + channel + "|" + chatID
}

func (m *TwoFactorManager) ActivateApprovalWindow(userID, channel, chatID string, ttlSeconds ...int) int {
	ttl := m.approvalGraceSeconds
	if len(ttlSeconds) > 0 && ttlSeconds[0] > 0 {
		ttl = ttlSeconds[0]
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvalWins[approvalWindowKey(userID, channel, chatID)] = &approvalWindow{ExpiresAt: nowUnix() + float64(ttl)}
	return ttl
}

// --- enrollment, synthesized from sysauth_cmd.py's setup subcommand ---

func (m *TwoFactorManager) BeginEnrollment(userID, accountName, issuer string) pipeline.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if issuer == "" {
		issuer = m.issuer
	}
	if _, already := m.secrets[userID]; already {
		return pipeline.Enrollment{AlreadyConfigured: true}
	}
	if pending, ok := m.enrollments[userID]; ok && pending.ExpiresAt >= nowUnix() {
		return pipeline.Enrollment{
			Secret:      pending.Secret,
			OTPAuthURI:  otpauthURI(issuer, accountName, pending.Secret, m.periodSeconds, m.digits),
			Issuer:      issuer,
			AccountName: accountName,
			ExpiresAt:   pending.ExpiresAt,
			Reused:      true,
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return pipeline.Enrollment{}
	}
	expiresAt := nowUnix() + float64(m.enrollmentTTL)
	m.enrollments[userID] = &pendingEnrollment{Secret: secret, AccountName: accountName, Issuer: issuer, ExpiresAt: expiresAt}

	return pipeline.Enrollment{
		Secret:      secret,
		OTPAuthURI:  otpauthURI(issuer, accountName, secret, m.periodSeconds, m.digits),
		Issuer:      issuer,
		AccountName: accountName,
		ExpiresAt:   expiresAt,
	}
}

func (m *TwoFactorManager) VerifyEnrollment(userID, code string) (bool, string) {
	m.mu.Lock()
	pending, ok := m.enrollments[userID]
	m.mu.Unlock()
	if !ok {
		return false, "no_pending_enrollment"
	}
	if pending.ExpiresAt < nowUnix() {
		m.mu.Lock()
		delete(m.enrollments, userID)
		m.mu.Unlock()
		return false, "expired"
	}
	if !m.verifyCode(pending.Secret, code) {
		return false, "bad_code"
	}

	m.mu.Lock()
	m.secrets[userID] = pending.Secret
	delete(m.enrollments, userID)
	m.mu.Unlock()
	m.save()
	return true, ""
}

func (m *TwoFactorManager) CancelEnrollment(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enrollments[userID]
	delete(m.enrollments, userID)
	return ok
}

func (m *TwoFactorManager) EnrollmentStatus(userID string) pipeline.EnrollmentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, configured := m.secrets[userID]
	pending, hasPending := m.enrollments[userID]
	if hasPending && pending.ExpiresAt < nowUnix() {
		delete(m.enrollments, userID)
		hasPending = false
	}
	status := pipeline.EnrollmentStatus{Configured: configured, Pending: hasPending}
	if hasPending {
		status.PendingExpiresAt = pending.ExpiresAt
	}
	return status
}

// --- persistence: only the per-user secrets survive a restart; active
// challenges, pending input, and enrollments are deliberately ephemeral ---

func (m *TwoFactorManager) load() error {
	data, err := os.ReadFile(m.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state persistedTwoFactor
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, secret := range state.Secrets {
		m.secrets[uid] = secret
	}
	return nil
}

func (m *TwoFactorManager) save() {
	if m.statePath == "" {
		return
	}
	m.mu.Lock()
	state := persistedTwoFactor{Secrets: make(map[string]string, len(m.secrets))}
	for uid, secret := range m.secrets {
		state.Secrets[uid] = secret
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.log.Error("two_factor: failed to marshal state", logger.Err(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		m.log.Error("two_factor: failed to create state dir", logger.Err(err))
		return
	}
	if err := os.WriteFile(m.statePath, data, 0600); err != nil {
		m.log.Error("two_factor: failed to write state", logger.Err(err))
	}
}
