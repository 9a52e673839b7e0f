package transport

import (
	"net/http"
	"net/url"
	"strings"

	"restbatch/internal/config"
)

// Header names
const (
	HeaderAccept         = "Accept"
	HeaderContentType    = "Content-Type"
	HeaderClientTag      = "X-ClientService-ClientTag"
	HeaderDigest         = "X-RequestDigest"
	HeaderAuthorization  = "Authorization"
	HeaderMethodOverride = "X-HTTP-Method"
	HeaderRetryAfter     = "Retry-After"
	HeaderCacheControl   = "Cache-Control"
)

// Built-in header values
const (
	DefaultAccept      = "application/json"
	DefaultContentType = "application/json;odata=verbose;charset=utf-8"

	// MaxClientTagLength is the longest client tag the service accepts
	MaxClientTagLength = 32
)

// BuiltinHeaders returns the lowest-precedence header layer
func BuiltinHeaders(clientTag string) http.Header {
	h := http.Header{}
	h.Set(HeaderAccept, DefaultAccept)
	h.Set(HeaderContentType, DefaultContentType)
	h.Set(HeaderClientTag, TruncateClientTag(clientTag))
	return h
}

// DefaultHeaders returns built-in headers overlaid with the configured global headers
func DefaultHeaders(cfg *config.Config) http.Header {
	return MergeHeaders(BuiltinHeaders(cfg.ClientTag), HeadersFromMap(cfg.Headers))
}

// TruncateClientTag cuts the tag to MaxClientTagLength characters
func TruncateClientTag(tag string) string {
	if len(tag) > MaxClientTagLength {
		return tag[:MaxClientTagLength]
	}
	return tag
}

// HeadersFromMap converts a flat map into an http.Header, skipping blank names
func HeadersFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for key, value := range m {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		h.Set(key, strings.TrimSpace(value))
	}
	return h
}

// MergeHeaders layers header sets left to right. A key present in a later
// layer replaces all values of that key from earlier layers.
func MergeHeaders(layers ...http.Header) http.Header {
	out := http.Header{}
	for _, layer := range layers {
		for key, values := range layer {
			copied := make([]string, len(values))
			copy(copied, values)
			out[http.CanonicalHeaderKey(key)] = copied
		}
	}
	return out
}

// IsRead returns true for methods that never need a request digest
func IsRead(method string) bool {
	return strings.EqualFold(method, http.MethodGet)
}

// EndpointRoot derives the service endpoint a URL belongs to: everything
// before "/_api/" or "/_vti_bin/", or the URL without query and fragment.
func EndpointRoot(rawURL string) string {
	lower := strings.ToLower(rawURL)
	for _, marker := range []string{"/_api/", "/_vti_bin/"} {
		if idx := strings.Index(lower, marker); idx != -1 {
			return rawURL[:idx]
		}
	}
	for _, marker := range []string{"/_api", "/_vti_bin"} {
		if strings.HasSuffix(lower, marker) {
			return rawURL[:len(rawURL)-len(marker)]
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimSuffix(rawURL, "/")
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return strings.TrimSuffix(u.String(), "/")
}

// IsAbsoluteURL reports whether rawURL has a scheme and host
func IsAbsoluteURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// CombineURL joins a base URL and a relative path with exactly one slash
func CombineURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}
