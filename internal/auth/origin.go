package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// Decision is the outcome of evaluating an origin against an allow-list.
type Decision struct {
	Allowed bool
	Reason  string
}

// Decision reasons.
const (
	ReasonNoOrigin      = "no_origin"
	ReasonEmptyList     = "empty_allow_list"
	ReasonMatched       = "matched"
	ReasonInvalidOrigin = "invalid_origin"
	ReasonNotListed     = "not_in_allow_list"
)

// OriginPolicy evaluates declared origins against tenant allow-lists.
//
// An empty allow-list accepts every origin unless EmptyListDenies is set.
type OriginPolicy struct {
	EmptyListDenies bool
}

// DefaultOriginPolicy treats an empty allow-list as "allow any origin".
var DefaultOriginPolicy = OriginPolicy{}

// EvaluateOrigin applies DefaultOriginPolicy to the tenant's allow-list.
func EvaluateOrigin(t *domain.Tenant, origin string) Decision {
	var patterns []string
	if t != nil {
		patterns = t.AllowedDomains
	}
	return DefaultOriginPolicy.Evaluate(patterns, origin)
}

// Evaluate matches origin against patterns. Supported pattern forms:
//
//	"*"                       any origin
//	"https://app.example.com" exact origin (scheme, host and port)
//	"app.example.com"         exact host, any scheme
//	"*.example.com"           example.com or any subdomain of it
//	"https://*.example.com"   same, restricted to the scheme
//
// A request without a declared origin is not subject to the check.
func (p OriginPolicy) Evaluate(patterns []string, origin string) Decision {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return Decision{Allowed: true, Reason: ReasonNoOrigin}
	}
	if len(patterns) == 0 {
		if p.EmptyListDenies {
			return Decision{Allowed: false, Reason: ReasonNotListed}
		}
		return Decision{Allowed: true, Reason: ReasonEmptyList}
	}

	u, err := url.Parse(strings.ToLower(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Decision{Allowed: false, Reason: ReasonInvalidOrigin}
	}

	for _, raw := range patterns {
		if matchPattern(NormalizePattern(raw), u) {
			return Decision{Allowed: true, Reason: ReasonMatched}
		}
	}
	return Decision{Allowed: false, Reason: ReasonNotListed}
}

// NormalizePattern lowercases and trims an allow-list entry and strips a
// trailing slash.
func NormalizePattern(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	return strings.TrimRight(p, "/")
}

func matchPattern(p string, u *url.URL) bool {
	if p == "" {
		return false
	}
	if p == "*" {
		return true
	}

	scheme := ""
	if i := strings.Index(p, "://"); i >= 0 {
		scheme, p = p[:i], p[i+3:]
		if scheme != u.Scheme {
			return false
		}
	}

	if suffix, ok := strings.CutPrefix(p, "*."); ok {
		host := u.Hostname()
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}

	// Patterns carrying a port compare against host:port.
	if strings.Contains(p, ":") {
		return p == u.Host
	}
	if scheme != "" && u.Port() != "" {
		return false
	}
	return p == u.Hostname()
}

// OriginFromRequest returns the declared origin of r: the Origin header, or
// the origin part of the Referer when Origin is absent. An opaque "null"
// origin is returned as-is so the allow-list rejects it.
func OriginFromRequest(r *http.Request) string {
	if o := strings.TrimSpace(r.Header.Get("Origin")); o != "" {
		return o
	}
	ref := strings.TrimSpace(r.Referer())
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
