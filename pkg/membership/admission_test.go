package membership

import (
	"testing"
	"time"
)

func TestAdmissionControllerIssueAndAdmit(t *testing.T) {
	ac := NewAdmissionController()
	jt, err := ac.IssueToken(AdmissionRolePeer, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	role, err := ac.Admit(jt.Token)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if role != AdmissionRolePeer {
		t.Fatalf("role = %s, want %s", role, AdmissionRolePeer)
	}
}

func TestAdmissionControllerRejectsUnknownToken(t *testing.T) {
	ac := NewAdmissionController()
	if _, err := ac.Admit("does-not-exist"); err == nil {
		t.Fatal("expected unknown token to be rejected")
	}
}

func TestAdmissionControllerRejectsExpiredToken(t *testing.T) {
	ac := NewAdmissionController()
	jt, err := ac.IssueToken(AdmissionRoleRelay, -time.Second)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := ac.Admit(jt.Token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestAdmissionControllerRevoke(t *testing.T) {
	ac := NewAdmissionController()
	jt, _ := ac.IssueToken(AdmissionRolePeer, time.Minute)
	ac.Revoke(jt.Token)
	if _, err := ac.Admit(jt.Token); err == nil {
		t.Fatal("expected revoked token to be rejected")
	}
}

func TestAdmissionControllerSweepRemovesExpired(t *testing.T) {
	ac := NewAdmissionController()
	jt, _ := ac.IssueToken(AdmissionRolePeer, -time.Second)
	ac.Sweep()
	if len(ac.Tokens()) != 0 {
		t.Fatalf("expected sweep to remove expired token %s", jt.Token)
	}
}
