// Package server implements the request-handler component: it composes
// the URL dispatcher, credential extractor, cache registry and repository
// handle to serve one smart-HTTP request end to end.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/crohr/smart-git-proxy/internal/auth"
	"github.com/crohr/smart-git-proxy/internal/dispatch"
	"github.com/crohr/smart-git-proxy/internal/giterr"
	"github.com/crohr/smart-git-proxy/internal/metrics"
	"github.com/crohr/smart-git-proxy/internal/packcache"
	"github.com/crohr/smart-git-proxy/internal/registry"
)

// Server is the request-handler component.
type Server struct {
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	packs    *packcache.Cache // nil disables the shallow-clone pack cache

	uploadPackTimeoutSeconds int
}

// Options configures a Server.
type Options struct {
	Registry                 *registry.Registry
	Log                      *slog.Logger
	Metrics                  *metrics.Metrics
	PackCache                *packcache.Cache
	UploadPackTimeoutSeconds int
}

// New constructs a Server.
func New(opts Options) *Server {
	return &Server{
		registry:                 opts.Registry,
		log:                      opts.Log,
		metrics:                  opts.Metrics,
		packs:                    opts.PackCache,
		uploadPackTimeoutSeconds: opts.UploadPackTimeoutSeconds,
	}
}

// Handler returns an http.Handler that serves the two smart-HTTP endpoints.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	// Step 1: dispatch.
	target, err := dispatch.Dispatch(r.Method, r.URL)
	if err != nil {
		s.log.Debug("dispatch rejected request", "method", r.Method, "path", r.URL.Path)
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	repo := target.Repository
	service := string(target.Service)

	s.metrics.RequestsTotal.WithLabelValues(repo, service).Inc()

	// Step 2: credential extraction.
	creds, err := auth.Extract(r.Header)
	if err != nil {
		s.respondError(w, repo, service, err)
		return
	}
	safeUser := ""
	authHeader := ""
	if creds != nil {
		safeUser = creds.SafeUsername()
		authHeader = creds.Raw()
	}

	// Step 3: registry lookup/creation.
	handle, err := s.registry.Open(r.Context(), repo)
	if err != nil {
		s.respondError(w, repo, service, err)
		return
	}

	// Step 4: update under the handle's own lock, released before streaming.
	updateStart := time.Now()
	err = handle.Update(r.Context(), authHeader)
	s.metrics.UpdateLatency.WithLabelValues(repo).Observe(time.Since(updateStart).Seconds())
	if err != nil {
		s.log.Warn("update failed", "repo", repo, "user", safeUser, "err", err)
		s.respondError(w, repo, service, err)
		return
	}

	// Step 5: dispatch on service tag and stream.
	switch target.Service {
	case dispatch.ServiceUploadPackAdvertise:
		s.serveRefs(w, r, handle, repo)
	case dispatch.ServiceUploadPack:
		s.serveUploadPack(w, r, handle, repo)
	}

	s.log.Debug("request complete", "repo", repo, "service", service, "duration_ms", time.Since(start).Milliseconds())
}

func (s *Server) serveRefs(w http.ResponseWriter, r *http.Request, handle *registry.Handle, repo string) {
	w.Header().Set("Content-Type", "application/x-git-upload-pack-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	// The pkt-line service banner is the HTTP layer's responsibility; the
	// handle only speaks the raw upload-pack protocol.
	const announcement = "# service=git-upload-pack\n"
	if _, err := fmt.Fprintf(w, "%04x%s0000", len(announcement)+4, announcement); err != nil {
		s.log.Debug("write service banner failed", "repo", repo, "err", err)
		return
	}

	if err := handle.Refs(r.Context(), s.uploadPackTimeoutSeconds, w); err != nil {
		s.log.Warn("refs streaming failed", "repo", repo, "err", err)
		s.metrics.ErrorsTotal.WithLabelValues(repo, "refs").Inc()
		return
	}
	s.metrics.ResponsesTotal.WithLabelValues(repo, string(dispatch.ServiceUploadPackAdvertise), "200").Inc()
}

func (s *Server) serveUploadPack(w http.ResponseWriter, r *http.Request, handle *registry.Handle, repo string) {
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")

	if s.packs != nil {
		if s.tryServeCachedPack(w, r, handle, repo) {
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	if err := handle.UploadPack(r.Context(), r.Body, w, s.uploadPackTimeoutSeconds); err != nil {
		s.log.Warn("upload-pack streaming failed", "repo", repo, "err", err)
		s.metrics.ErrorsTotal.WithLabelValues(repo, "upload-pack").Inc()
		return
	}
	s.metrics.ResponsesTotal.WithLabelValues(repo, string(dispatch.ServiceUploadPack), "200").Inc()
}

var (
	// Each line of the body is a pkt-line, prefixed by its 4-hex-digit length.
	wantRe   = regexp.MustCompile(`(?m)^(?:[0-9a-f]{4})?want [0-9a-f]{40}(?:\s|$)`)
	haveRe   = regexp.MustCompile(`(?m)^(?:[0-9a-f]{4})?have `)
	deepenRe = regexp.MustCompile(`(?m)^(?:[0-9a-f]{4})?deepen 1$`)
)

// shouldCachePack reports whether body looks like a single-want, depth=1
// negotiation request: the only shape whose response is fully determined
// by the repository's current refs, making it safe to cache without an
// eviction or invalidation story.
func shouldCachePack(body []byte) bool {
	return !haveRe.Match(body) && deepenRe.Match(body) && len(wantRe.FindAll(body, 2)) == 1
}

// tryServeCachedPack attempts the shallow-clone pack cache fast path.
// Returns true if the response was fully handled (served from cache, or
// generated and cached).
func (s *Server) tryServeCachedPack(w http.ResponseWriter, r *http.Request, handle *registry.Handle, repo string) bool {
	const maxBody = 4 << 20
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil || len(body) > maxBody {
		r.Body = io.NopCloser(bytes.NewReader(body))
		return false
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !shouldCachePack(body) {
		return false
	}

	key := packcache.Key(repo, body)
	if f, err := s.packs.Get(key); err == nil {
		defer f.Close()
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, f); err != nil {
			s.log.Debug("serve cached pack failed", "repo", repo, "err", err)
			return true
		}
		s.metrics.PackCacheHits.WithLabelValues(repo).Inc()
		s.metrics.ResponsesTotal.WithLabelValues(repo, string(dispatch.ServiceUploadPack), "200").Inc()
		return true
	}
	s.metrics.PackCacheMisses.WithLabelValues(repo).Inc()

	writer, err := s.packs.NewWriter(key)
	if err != nil {
		return false
	}

	w.WriteHeader(http.StatusOK)
	mw := io.MultiWriter(w, writer)
	if err := handle.UploadPack(r.Context(), bytes.NewReader(body), mw, s.uploadPackTimeoutSeconds); err != nil {
		writer.Abort()
		s.log.Warn("upload-pack streaming failed (pack cache path)", "repo", repo, "err", err)
		s.metrics.ErrorsTotal.WithLabelValues(repo, "upload-pack").Inc()
		return true
	}
	if err := writer.Commit(); err != nil {
		s.log.Warn("pack cache commit failed", "repo", repo, "err", err)
	}
	s.metrics.ResponsesTotal.WithLabelValues(repo, string(dispatch.ServiceUploadPack), "200").Inc()
	return true
}

func (s *Server) respondError(w http.ResponseWriter, repo, service string, err error) {
	status := giterr.StatusCode(err)
	s.metrics.ErrorsTotal.WithLabelValues(repo, service).Inc()
	s.metrics.ResponsesTotal.WithLabelValues(repo, service, fmt.Sprint(status)).Inc()

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="git"`)
	}

	var gerr *giterr.Error
	if errors.As(err, &gerr) {
		s.log.Error("request failed", "repo", repo, "service", service, "kind", gerr.Kind.String(), "err", gerr.Err)
	} else {
		s.log.Error("request failed", "repo", repo, "service", service, "err", err)
	}
	http.Error(w, http.StatusText(status), status)
}
