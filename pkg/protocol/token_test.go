package protocol

import (
	"testing"
	"time"
)

func TestSignParseToken(t *testing.T) {
	tok, err := SignToken("alice", "secret", time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}

	claims, err := ParseToken(tok, []byte("secret"))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Account != "alice" || claims.Subject != "alice" {
		t.Errorf("claims = %+v", claims)
	}

	if _, err := ParseToken(tok, []byte("other")); err == nil {
		t.Error("token accepted with the wrong secret")
	}
}

func TestParseToken_Expired(t *testing.T) {
	tok, err := SignToken("alice", "secret", -time.Minute)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	if _, err := ParseToken(tok, []byte("secret")); err == nil {
		t.Error("expired token accepted")
	}
}

func TestKeccak256Hex(t *testing.T) {
	// Keccak-256 of the empty input, as used by Ethereum.
	want := "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got := Keccak256Hex(nil); got != want {
		t.Errorf("Keccak256Hex(nil) = %s, want %s", got, want)
	}
	if Keccak256Hex([]byte("a")) == Keccak256Hex([]byte("b")) {
		t.Error("digest collision")
	}
}
