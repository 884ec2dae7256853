package controlapi

import (
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// allowedOrigin accepts requests without an Origin header (non-browser
// clients), same-origin requests and pages served from a loopback host.
func allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// guardMutations rejects state-changing requests a foreign web page could
// forge: any cross-site Origin, and bodies that are not JSON.
func (s *Server) guardMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if !allowedOrigin(r) {
			s.logger.Warn().Str("origin", r.Header.Get("Origin")).Str("path", r.URL.Path).Msg("rejected cross-origin request")
			writeError(w, http.StatusForbidden, "forbidden_origin", "cross-origin requests are not allowed")
			return
		}
		contentType := r.Header.Get("Content-Type")
		if contentType == "" && r.ContentLength == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if mediaType, _, err := mime.ParseMediaType(contentType); err != nil || mediaType != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "request body must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}
