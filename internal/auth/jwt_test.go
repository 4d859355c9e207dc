package auth

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT(Identity{CompanyID: "co-1", CompanyName: "Acme Painting", FirstQuote: true}, "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	id, err := ParseJWT(tok, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.CompanyID != "co-1" || id.CompanyName != "Acme Painting" || !id.FirstQuote {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestParseRejects(t *testing.T) {
	tok, err := SignJWT(Identity{CompanyID: "co-1"}, "secret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(tok, "other-secret"); err == nil {
		t.Fatalf("expected signature error")
	}

	expired, err := SignJWT(Identity{CompanyID: "co-1"}, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := ParseJWT(expired, "secret"); err == nil {
		t.Fatalf("expected expiry error")
	}

	if _, err := SignJWT(Identity{}, "secret", time.Hour); err == nil {
		t.Fatalf("expected error for missing company id")
	}
}
