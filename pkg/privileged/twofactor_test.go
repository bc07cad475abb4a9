package privileged

import "testing"

func newTestManager() *TwoFactorManager {
	return NewTwoFactorManager(TwoFactorManagerConfig{
		Enabled:              true,
		Issuer:               "Test Issuer",
		TTLSeconds:           300,
		ValidWindow:          1,
		PeriodSeconds:        30,
		Digits:               6,
		ApprovalGraceSeconds: 600,
		EnrollmentTTLSeconds: 300,
	})
}

func TestEnrollmentVerifyActivatesSecret(t *testing.T) {
	m := newTestManager()
	enr := m.BeginEnrollment("user-1", "user-1", "")
	if enr.Secret == "" {
		t.Fatal("expected a generated secret")
	}

	code, err := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	if err != nil {
		t.Fatalf("totpCodeAt: %v", err)
	}

	ok, reason := m.VerifyEnrollment("user-1", code)
	if !ok {
		t.Fatalf("VerifyEnrollment failed: %s", reason)
	}

	status := m.EnrollmentStatus("user-1")
	if !status.Configured || status.Pending {
		t.Fatalf("status = %+v, want configured and not pending", status)
	}
}

func TestEnrollmentVerifyRejectsBadCode(t *testing.T) {
	m := newTestManager()
	m.BeginEnrollment("user-1", "user-1", "")

	ok, reason := m.VerifyEnrollment("user-1", "000000")
	if ok {
		t.Fatal("expected bad code to be rejected")
	}
	if reason != "bad_code" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestChallengeApproveAndConsume(t *testing.T) {
	m := newTestManager()
	enr := m.BeginEnrollment("user-1", "user-1", "")
	code, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	m.VerifyEnrollment("user-1", code)

	action := map[string]interface{}{"op": "sudo_on"}
	challenge := m.CreateChallenge("user-1", action)

	freshCode, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	ok, reason := m.ApproveChallenge(challenge.ChallengeID, "user-1", freshCode)
	if !ok {
		t.Fatalf("ApproveChallenge failed: %s", reason)
	}

	ok, reason = m.ConsumeApproval(challenge.ChallengeID, "user-1", action)
	if !ok {
		t.Fatalf("ConsumeApproval failed: %s", reason)
	}

	// Second consume must fail: the challenge was deleted on first use.
	ok, _ = m.ConsumeApproval(challenge.ChallengeID, "user-1", action)
	if ok {
		t.Fatal("expected second consume to fail")
	}
}

func TestConsumeApprovalRejectsActionMismatch(t *testing.T) {
	m := newTestManager()
	enr := m.BeginEnrollment("user-1", "user-1", "")
	code, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	m.VerifyEnrollment("user-1", code)

	challenge := m.CreateChallenge("user-1", map[string]interface{}{"op": "sudo_on"})
	freshCode, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	m.ApproveChallenge(challenge.ChallengeID, "user-1", freshCode)

	ok, reason := m.ConsumeApproval(challenge.ChallengeID, "user-1", map[string]interface{}{"op": "sudo_off"})
	if ok {
		t.Fatal("expected action-mismatched consume to fail")
	}
	if reason != "action_mismatch" {
		t.Fatalf("reason = %q", reason)
	}
}

func TestPendingApprovalInputRoundTrip(t *testing.T) {
	m := newTestManager()
	enr := m.BeginEnrollment("user-1", "user-1", "")
	code, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	m.VerifyEnrollment("user-1", code)

	challenge := m.CreateChallenge("user-1", map[string]interface{}{"op": "retry"})
	m.SetPendingApprovalInput("user-1", challenge.ChallengeID, "/sudo on")

	retryCmd, challengeID, ok := m.GetPendingApprovalInput("user-1")
	if !ok || retryCmd != "/sudo on" || challengeID != challenge.ChallengeID {
		t.Fatalf("pending input = %q %q %v", retryCmd, challengeID, ok)
	}

	freshCode, _ := totpCodeAt(enr.Secret, m.periodSeconds, m.digits, nowUnixInt())
	ok2, reason, approved := m.ApprovePendingInputCode("user-1", freshCode)
	if !ok2 {
		t.Fatalf("ApprovePendingInputCode failed: %s", reason)
	}
	if approved == nil || approved.RetryCmd != "/sudo on" {
		t.Fatalf("approved payload = %+v", approved)
	}

	if _, _, ok := m.GetPendingApprovalInput("user-1"); ok {
		t.Fatal("pending input should be cleared after approval")
	}
}

func nowUnixInt() int64 {
	return int64(nowUnix())
}
