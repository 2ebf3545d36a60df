package auth

import (
	"encoding/base64"
	"net/http"
	"testing"
)

func header(value string) http.Header {
	h := http.Header{}
	if value != "" {
		h.Set("Authorization", value)
	}
	return h
}

func TestExtract_Absent(t *testing.T) {
	creds, err := Extract(header(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds != nil {
		t.Fatal("expected nil credentials for absent header")
	}
}

func TestExtract_BasicRoundTrip(t *testing.T) {
	creds, err := Extract(header("Basic QWxhZGRpbjpvcGVuIHNlc2FtZQ=="))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if creds.User() != "Aladdin" {
		t.Fatalf("user = %q, want Aladdin", creds.User())
	}
	if creds.Password() != "open sesame" {
		t.Fatalf("password = %q, want %q", creds.Password(), "open sesame")
	}
	if got := creds.SafeUsername(); got != "Aladdin" {
		t.Fatalf("safe username = %q, want Aladdin", got)
	}
}

func TestExtract_OAuthTokenRedaction(t *testing.T) {
	const token = "MTQ0NjJkZmQ5OTM2NDE1ZTZjNGZmZjI3"
	cases := map[string]string{
		"token:token": encode(token + ":" + token),
		"token:empty": encode(token + ":"),
		"token:oauth": encode(token + ":oauth"),
	}
	for name, encoded := range cases {
		t.Run(name, func(t *testing.T) {
			creds, err := Extract(header("Basic " + encoded))
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if got := creds.SafeUsername(); got != "MTQ0N..." {
				t.Fatalf("safe username = %q, want MTQ0N...", got)
			}
		})
	}
}

func TestExtract_MalformedHeader(t *testing.T) {
	cases := []string{
		"Bearer abc123",
		"Basic !!!not-base64!!!",
		"Basic " + encode("no-colon-here"),
	}
	for _, value := range cases {
		if _, err := Extract(header(value)); err == nil {
			t.Fatalf("expected error for header %q", value)
		}
	}
}

func TestSafeUsername_ShortUsernameNeverRedacted(t *testing.T) {
	// len(user) <= 5, so even a token-shaped password must not trigger redaction.
	creds, err := Extract(header("Basic " + encode("abc:abc")))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := creds.SafeUsername(); got != "abc" {
		t.Fatalf("safe username = %q, want abc", got)
	}
}

func TestSafeUsername_MultiByteBoundary(t *testing.T) {
	// "café123" has a 2-byte rune at byte index 3; slicing by byte offset 5
	// would yield only the 4 runes "café". The first 5 runes must be returned.
	user := "café123"
	creds, err := Extract(header("Basic " + encode(user+":"+user)))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := creds.SafeUsername()
	if got != "café1..." {
		t.Fatalf("safe username = %q, want café1...", got)
	}
}

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}
