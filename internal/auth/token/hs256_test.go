package token

import (
	"testing"
	"time"
)

func TestSignVerify(t *testing.T) {
	m := NewManager("s3cret")
	tok, err := m.Sign("lobby-1", []string{"service"}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sub, roles, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "lobby-1" || len(roles) != 1 || roles[0] != "service" {
		t.Fatalf("unexpected claims %s %v", sub, roles)
	}
	if _, _, err := NewManager("other").Verify(tok); err == nil {
		t.Fatalf("wrong secret must fail")
	}
	expired, _ := m.Sign("lobby-1", nil, -time.Minute)
	if _, _, err := m.Verify(expired); err != nil {
		t.Fatalf("non-positive ttl means no expiry: %v", err)
	}
	if _, _, err := m.Verify("a.b.c"); err == nil {
		t.Fatalf("garbage must fail")
	}
}
