package webhook

import (
	"errors"
	"strings"
	"testing"
)

func TestVerifyHMACSignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"action":"deny","target":{"ipv4_net":"10.0.0.0/8"}}`)

	prefixed := Signature(body, secret)
	plain := strings.TrimPrefix(prefixed, "sha256=")

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{name: "valid - prefixed", body: body, signature: prefixed, secret: secret},
		{name: "valid - plain hex", body: body, signature: plain, secret: secret},
		{name: "wrong signature", body: body, signature: strings.Repeat("0", 64), secret: secret, wantErr: true},
		{name: "tampered body", body: []byte(`{"action":"allow","target":{"ipv4_net":"10.0.0.0/8"}}`), signature: prefixed, secret: secret, wantErr: true},
		{name: "wrong secret", body: body, signature: prefixed, secret: "other", wantErr: true},
		{name: "empty signature", body: body, signature: "", secret: secret, wantErr: true},
		{name: "empty secret", body: body, signature: prefixed, secret: "", wantErr: true},
		{name: "malformed hex", body: body, signature: "sha256=not-hex", secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyHMACSignature(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("verifyHMACSignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errVerification) {
				t.Errorf("error should be generic, got: %v", err)
			}
		})
	}
}

func TestSignatureDeterministic(t *testing.T) {
	body := []byte("payload")
	sig := Signature(body, "k")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if sig != Signature(body, "k") {
		t.Error("signature should be deterministic")
	}
	if sig == Signature([]byte("other"), "k") {
		t.Error("different body should produce different signature")
	}
}

func TestParseMaxBodySize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: DefaultMaxBodySize},
		{in: "2048", want: 2048},
		{in: "64KB", want: 64 * 1024},
		{in: "1mb", want: 1024 * 1024},
		{in: "0", wantErr: true},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseMaxBodySize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseMaxBodySize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseMaxBodySize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
