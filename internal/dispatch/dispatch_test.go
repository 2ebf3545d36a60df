package dispatch

import (
	"net/http"
	"net/url"
	"testing"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u
}

func TestDispatch_Accepts(t *testing.T) {
	cases := []struct {
		method, uri, wantRepo string
		wantService           Service
	}{
		{
			http.MethodGet, "/github.com/user/repo/info/refs?service=git-upload-pack",
			"github.com/user/repo", ServiceUploadPackAdvertise,
		},
		{
			http.MethodPost, "/domain.com/project/user/repo/git-upload-pack",
			"domain.com/project/user/repo", ServiceUploadPack,
		},
	}
	for _, c := range cases {
		target, err := Dispatch(c.method, mustParse(t, c.uri))
		if err != nil {
			t.Fatalf("%s %s: unexpected error: %v", c.method, c.uri, err)
		}
		if target.Repository != c.wantRepo || target.Service != c.wantService {
			t.Fatalf("%s %s: got %+v, want repo=%q service=%q", c.method, c.uri, target, c.wantRepo, c.wantService)
		}
	}
}

func TestDispatch_Rejects(t *testing.T) {
	cases := []struct {
		method, uri string
	}{
		{http.MethodGet, "/"},
		{http.MethodGet, "/git-upload-pack"},
		{http.MethodPost, "/repo/git-receive-pack"},
		{http.MethodGet, "/repo/info/refs"},                          // missing ?service=
		{http.MethodGet, "/repo/info/refs?service=git-receive-pack"}, // wrong service
		{http.MethodPut, "/repo/git-upload-pack"},
		{http.MethodPost, "/git-upload-pack"}, // empty repository
	}
	for _, c := range cases {
		if _, err := Dispatch(c.method, mustParse(t, c.uri)); err == nil {
			t.Fatalf("%s %s: expected rejection", c.method, c.uri)
		}
	}
}

func TestDispatch_TotalityOverCombinations(t *testing.T) {
	methods := []string{http.MethodGet, http.MethodPost, http.MethodPut}
	suffixes := []string{"/git-upload-pack", "/git-receive-pack", "/info/refs"}
	queries := []string{"", "?service=git-upload-pack", "?service=git-receive-pack"}

	for _, method := range methods {
		for _, suffix := range suffixes {
			for _, query := range queries {
				uri := mustParse(t, "/some/repo"+suffix+query)
				target, err := Dispatch(method, uri)

				accept := (method == http.MethodPost && suffix == "/git-upload-pack") ||
					(method == http.MethodGet && suffix == "/info/refs" && query == "?service=git-upload-pack")

				if accept && err != nil {
					t.Fatalf("%s %s: expected accept, got error: %v", method, uri, err)
				}
				if !accept && err == nil {
					t.Fatalf("%s %s: expected reject, got %+v", method, uri, target)
				}
			}
		}
	}
}
