package auth_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/klaxonhq/klaxon/internal/auth"
)

func TestOneclickRoundTrip(t *testing.T) {
	oc := auth.NewOneclick("s3cr3t", "https://klaxon.example.com")

	claimURL := oc.ClaimURL(42, "alice@example.com")
	if !strings.HasPrefix(claimURL, "https://klaxon.example.com/v0/response/oneclick?") {
		t.Fatalf("url = %q", claimURL)
	}

	u, err := url.Parse(claimURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("msg_id") != "42" || q.Get("email_address") != "alice@example.com" || q.Get("cmd") != "claim" {
		t.Fatalf("query = %v", q)
	}

	if !oc.Validate(42, "alice@example.com", "claim", q.Get("token")) {
		t.Error("valid token rejected")
	}
}

func TestOneclickRejectsTampering(t *testing.T) {
	oc := auth.NewOneclick("s3cr3t", "https://klaxon.example.com")
	u, _ := url.Parse(oc.ClaimURL(42, "alice@example.com"))
	token := u.Query().Get("token")

	if oc.Validate(43, "alice@example.com", "claim", token) {
		t.Error("altered message id accepted")
	}
	if oc.Validate(42, "mallory@example.com", "claim", token) {
		t.Error("altered email accepted")
	}
	if oc.Validate(42, "alice@example.com", "unclaim", token) {
		t.Error("altered command accepted")
	}

	other := auth.NewOneclick("different", "https://klaxon.example.com")
	if other.Validate(42, "alice@example.com", "claim", token) {
		t.Error("token from another key accepted")
	}
}
