package scripthost

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"
)

// defaultFetchTimeout bounds one document fetch.
const defaultFetchTimeout = 30 * time.Second

// maxFetchBytes caps a fetched body (8 MB) after decoding.
const maxFetchBytes = 8 * 1024 * 1024

// DocumentFetcher is an asynchronous, origin-checked fetch building
// block for Window implementations. Every request is checked against
// the security domain before any connection is made; the retrieval runs
// off the calling goroutine and reports through the handler, so the
// caller is never blocked.
type DocumentFetcher struct {
	domain *SecurityDomain
	base   *url.URL
	client *http.Client
}

// NewDocumentFetcher builds a fetcher resolving relative references
// against documentURL and enforcing domain's fetch grant.
func NewDocumentFetcher(domain *SecurityDomain, documentURL string) (*DocumentFetcher, error) {
	base, err := url.Parse(documentURL)
	if err != nil {
		return nil, fmt.Errorf("parsing document URL: %w", err)
	}
	return &DocumentFetcher{
		domain: domain,
		base:   base,
		client: &http.Client{Timeout: defaultFetchTimeout},
	}, nil
}

// Fetch retrieves uri relative to the document and reports completion
// through done from a separate goroutine. enc optionally names the
// content's character encoding; the content passed to done is always
// UTF-8.
func (f *DocumentFetcher) Fetch(uri string, done FetchHandler, enc ...string) {
	go func() {
		ok, mimeType, content := f.fetch(uri, enc...)
		done(ok, mimeType, content)
	}()
}

func (f *DocumentFetcher) fetch(uri string, enc ...string) (bool, string, string) {
	target, err := f.base.Parse(uri)
	if err != nil {
		return false, "", ""
	}
	if err := f.domain.CheckFetch(target); err != nil {
		return false, "", ""
	}

	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		return false, "", ""
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return false, "", ""
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, "", ""
	}

	body, err := decodeBody(io.LimitReader(resp.Body, maxFetchBytes+1),
		resp.Header.Get("Content-Encoding"))
	if err != nil || len(body) > maxFetchBytes {
		return false, "", ""
	}

	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}

	content := string(body)
	if len(enc) > 0 && enc[0] != "" {
		decoded, err := decodeCharset(body, enc[0])
		if err != nil {
			return false, "", ""
		}
		content = decoded
	}
	return true, mimeType, content
}

// decodeBody decompresses the response per its Content-Encoding.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.ReadAll(r)
	case "gzip":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case "deflate":
		fr := flate.NewReader(r)
		defer fr.Close()
		return io.ReadAll(fr)
	case "br":
		return io.ReadAll(brotli.NewReader(r))
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
}

// decodeCharset converts body from the labeled character encoding to
// UTF-8.
func decodeCharset(body []byte, label string) (string, error) {
	r, err := charset.NewReaderLabel(label, strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	decoded, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
