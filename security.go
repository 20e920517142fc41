package scripthost

import (
	"fmt"
	"net/url"
	"strings"
)

// SecurityDomain is the origin-derived sandbox boundary attached to
// every compile and execute operation. It is derived once, at host
// construction, from the URL the document was loaded from, and is
// immutable afterwards, so concurrent reads need no locking.
//
// The domain grants network fetches scoped to the document's origin and
// denies every other privileged operation by default. Compiling source
// text is never itself a privileged act.
type SecurityDomain struct {
	scheme string
	host   string
	port   string
}

// NewSecurityDomain derives a domain from the document URL. Only
// scheme, host and port participate in the boundary.
func NewSecurityDomain(documentURL string) (*SecurityDomain, error) {
	u, err := url.Parse(documentURL)
	if err != nil {
		return nil, fmt.Errorf("parsing document URL: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("document URL %q has no scheme", documentURL)
	}
	scheme := strings.ToLower(u.Scheme)
	return &SecurityDomain{
		scheme: scheme,
		host:   strings.ToLower(u.Hostname()),
		port:   portOrDefault(scheme, u.Port()),
	}, nil
}

// Origin returns the scheme://host[:port] form of the domain.
func (d *SecurityDomain) Origin() string {
	if d.port == "" {
		return d.scheme + "://" + d.host
	}
	return d.scheme + "://" + d.host + ":" + d.port
}

// CheckFetch reports whether the domain permits a network fetch of
// target. Same-origin fetches are permitted, as are relative references
// (resolved against the document) and data URIs; everything else is
// denied by default.
func (d *SecurityDomain) CheckFetch(target *url.URL) error {
	if target == nil {
		return fmt.Errorf("fetch denied: no target")
	}
	if target.Scheme == "data" {
		return nil
	}
	if !target.IsAbs() {
		return nil
	}
	scheme := strings.ToLower(target.Scheme)
	if scheme == d.scheme &&
		strings.ToLower(target.Hostname()) == d.host &&
		portOrDefault(scheme, target.Port()) == d.port {
		return nil
	}
	return fmt.Errorf("fetch of %s denied: outside origin %s", target.Redacted(), d.Origin())
}

// CheckPrivileged denies every privileged operation other than
// same-origin fetch. The grant set is fixed at construction.
func (d *SecurityDomain) CheckPrivileged(op string) error {
	return fmt.Errorf("operation %q denied for origin %s", op, d.Origin())
}

// portOrDefault normalizes an absent port to the scheme's well-known
// port so that http://host and http://host:80 compare equal.
func portOrDefault(scheme, port string) string {
	if port != "" {
		return port
	}
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	default:
		return ""
	}
}
