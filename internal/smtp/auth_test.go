package smtp

import (
	"errors"
	"testing"
)

var b64 = b64Encode

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		user, pass string
		want       bool
	}{
		"credentials set":  {"relay", "s3cret", true},
		"missing username": {"", "s3cret", false},
		"missing password": {"relay", "", false},
		"nothing set":      {"", "", false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := NewAuthenticator(tc.user, tc.pass).Enabled(); got != tc.want {
				t.Errorf("Enabled() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAuthenticator_Check(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator("relay", "s3cret")
	if err := a.Check("relay", "s3cret"); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
	for _, creds := range [][2]string{{"relay", "wrong"}, {"other", "s3cret"}, {"", ""}, {"relay", "s3cret "}} {
		if err := a.Check(creds[0], creds[1]); !errors.Is(err, errAuthFailed) {
			t.Errorf("Check(%q, %q) = %v, want errAuthFailed", creds[0], creds[1], err)
		}
	}
}

func TestDecodePlain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		wantUser string
		wantPass string
		wantErr  error
	}{
		{name: "no authzid", response: b64("\x00relay\x00s3cret"), wantUser: "relay", wantPass: "s3cret"},
		{name: "with authzid", response: b64("admin\x00relay\x00s3cret"), wantUser: "relay", wantPass: "s3cret"},
		{name: "surrounding space", response: " " + b64("\x00relay\x00pw") + " ", wantUser: "relay", wantPass: "pw"},
		{name: "cancelled", response: "*", wantErr: errAuthCancelled},
		{name: "not base64", response: "%%%", wantErr: errAuthMalformed},
		{name: "two fields", response: b64("relay\x00s3cret"), wantErr: errAuthMalformed},
		{name: "empty identity", response: b64("\x00\x00s3cret"), wantErr: errAuthMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			user, pass, err := decodePlain(tt.response)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if user != tt.wantUser || pass != tt.wantPass {
				t.Errorf("got (%q, %q), want (%q, %q)", user, pass, tt.wantUser, tt.wantPass)
			}
		})
	}
}

func TestDecodeAuthLine(t *testing.T) {
	t.Parallel()

	got, err := decodeAuthLine(b64("relay"))
	if err != nil || got != "relay" {
		t.Errorf("decodeAuthLine = (%q, %v), want (relay, nil)", got, err)
	}
	if _, err := decodeAuthLine("*"); !errors.Is(err, errAuthCancelled) {
		t.Errorf("expected errAuthCancelled, got %v", err)
	}
	if _, err := decodeAuthLine("not base64!"); !errors.Is(err, errAuthMalformed) {
		t.Errorf("expected errAuthMalformed, got %v", err)
	}
}
