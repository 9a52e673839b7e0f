package batch

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"

	"restbatch/internal/transport"
)

// Boundary prefixes of the multipart/mixed batch body
const (
	BatchBoundaryPrefix     = "batch_"
	ChangesetBoundaryPrefix = "changeset_"
)

// ContentType returns the Content-Type of a batch body with the given id
func ContentType(batchID string) string {
	return "multipart/mixed; boundary=" + BatchBoundaryPrefix + batchID
}

// Encoder serializes pending requests into a multipart/mixed batch body.
// Reads become standalone parts; consecutive writes share one changeset.
type Encoder struct {
	defaults http.Header
	newID    func() string
}

// NewEncoder creates an encoder whose parts carry defaults under each
// request's own headers
func NewEncoder(defaults http.Header) *Encoder {
	return &Encoder{
		defaults: defaults,
		newID:    uuid.NewString,
	}
}

// CheckTransports returns a BatchEncodingError naming the first request whose
// transport differs from the first request's
func CheckTransports(requests []*PendingRequest) error {
	if len(requests) == 0 {
		return nil
	}
	first := requests[0].Transport
	for i, req := range requests[1:] {
		if req.Transport != first {
			return &BatchEncodingError{
				Index:  i + 1,
				Method: req.method(),
				URL:    req.URL,
				Reason: fmt.Sprintf("transport '%s' differs from batch transport '%s'", displayTransport(req.Transport), displayTransport(first)),
			}
		}
	}
	return nil
}

func displayTransport(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

// Encode produces the body for batchID. Relative request URLs are resolved
// against baseURL, which must then be absolute.
func (e *Encoder) Encode(batchID, baseURL string, requests []*PendingRequest) (string, error) {
	if err := CheckTransports(requests); err != nil {
		return "", err
	}

	var sb strings.Builder
	changeset := ""

	for i, req := range requests {
		method := req.method()

		target, err := resolveURL(baseURL, req.URL)
		if err != nil {
			return "", &BatchEncodingError{Index: i, Method: method, URL: req.URL, Reason: err.Error()}
		}

		if transport.IsRead(method) {
			if changeset != "" {
				fmt.Fprintf(&sb, "--%s%s--\n\n", ChangesetBoundaryPrefix, changeset)
				changeset = ""
			}
			fmt.Fprintf(&sb, "--%s%s\n", BatchBoundaryPrefix, batchID)
		} else {
			if changeset == "" {
				changeset = e.newID()
				fmt.Fprintf(&sb, "--%s%s\n", BatchBoundaryPrefix, batchID)
				fmt.Fprintf(&sb, "Content-Type: multipart/mixed; boundary=\"%s%s\"\n\n", ChangesetBoundaryPrefix, changeset)
			}
			fmt.Fprintf(&sb, "--%s%s\n", ChangesetBoundaryPrefix, changeset)
		}

		sb.WriteString("Content-Type: application/http\n")
		sb.WriteString("Content-Transfer-Encoding: binary\n\n")

		headers := transport.MergeHeaders(e.defaults, req.Headers)
		if !transport.IsRead(method) {
			if override := strings.TrimSpace(headers.Get(transport.HeaderMethodOverride)); override != "" {
				method = strings.ToUpper(override)
				headers.Del(transport.HeaderMethodOverride)
			}
		}

		fmt.Fprintf(&sb, "%s %s HTTP/1.1\n", method, target)
		writeHeaders(&sb, headers)
		sb.WriteString("\n")

		if len(req.Body) > 0 {
			sb.Write(req.Body)
			sb.WriteString("\n\n")
		}
	}

	if changeset != "" {
		fmt.Fprintf(&sb, "--%s%s--\n\n", ChangesetBoundaryPrefix, changeset)
	}
	fmt.Fprintf(&sb, "--%s%s--\n", BatchBoundaryPrefix, batchID)

	return sb.String(), nil
}

// writeHeaders emits headers in key order for a stable body
func writeHeaders(sb *strings.Builder, h http.Header) {
	keys := make([]string, 0, len(h))
	for key := range h {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		for _, value := range h[key] {
			fmt.Fprintf(sb, "%s: %s\n", key, value)
		}
	}
}

func resolveURL(baseURL, rawURL string) (string, error) {
	if transport.IsAbsoluteURL(rawURL) {
		return rawURL, nil
	}
	if !transport.IsAbsoluteURL(baseURL) {
		return "", fmt.Errorf("relative url '%s' cannot be resolved without an absolute base url", rawURL)
	}
	return transport.CombineURL(baseURL, rawURL), nil
}
