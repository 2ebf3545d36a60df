// Package dispatch parses an incoming HTTP request's method and URI into a
// (repository-key, service) pair, or rejects it.
package dispatch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/crohr/smart-git-proxy/internal/giterr"
)

// Service identifies which git-upload-pack mode a request maps to.
type Service string

const (
	// ServiceUploadPackAdvertise is GET <repo>/info/refs?service=git-upload-pack.
	ServiceUploadPackAdvertise Service = "upload-pack-advertise"
	// ServiceUploadPack is POST <repo>/git-upload-pack.
	ServiceUploadPack Service = "upload-pack"
)

const (
	uploadPackSuffix    = "/git-upload-pack"
	infoRefsSuffix      = "/info/refs"
	uploadPackQueryWant = "git-upload-pack"
)

// Target is the result of a successful dispatch.
type Target struct {
	// Repository is the verbatim path remainder after stripping the
	// well-known suffix, e.g. "github.com/org/repo". Normalization to a
	// .git-suffixed registry key happens inside the cache registry, not here.
	Repository string
	Service    Service
}

// Dispatch classifies method+uri into a Target, or returns an
// UnsupportedService error.
func Dispatch(method string, uri *url.URL) (Target, error) {
	path := strings.TrimPrefix(uri.Path, "/")

	switch method {
	case http.MethodPost:
		if repo, ok := strings.CutSuffix(path, uploadPackSuffix); ok && repo != "" {
			return Target{Repository: repo, Service: ServiceUploadPack}, nil
		}
	case http.MethodGet:
		if repo, ok := strings.CutSuffix(path, infoRefsSuffix); ok && repo != "" {
			if uri.Query().Get("service") == uploadPackQueryWant {
				return Target{Repository: repo, Service: ServiceUploadPackAdvertise}, nil
			}
		}
	}

	return Target{}, giterr.New(giterr.UnsupportedService, fmt.Errorf("unsupported service for %s %s", method, uri.RequestURI()))
}
