// Package fetcher downloads tenant chat feeds and transcripts over HTTP
// and FTP, and streams the CSV feed format.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Credentials carries optional feed authentication. Empty values mean
// unauthenticated access.
type Credentials struct {
	User string
	Pass string
}

// Fetcher downloads a remote resource. Implementations exist for HTTP(S)
// and FTP feed URLs.
type Fetcher interface {
	// Fetch retrieves the URL and returns the response body. The caller
	// must close the returned reader.
	Fetch(ctx context.Context, rawURL string, creds Credentials) (io.ReadCloser, error)
}

// Dispatcher routes fetches to the right transport by URL scheme.
type Dispatcher struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewDispatcher wires the default HTTP and FTP fetchers.
func NewDispatcher(httpOpts HTTPOptions, ftpOpts FTPOptions) *Dispatcher {
	return &Dispatcher{
		HTTP: NewHTTPFetcher(httpOpts),
		FTP:  NewFTPFetcher(ftpOpts),
	}
}

// Fetch dispatches on the URL scheme. Unknown schemes are an error so a
// misconfigured tenant fails loudly instead of silently skipping.
func (d *Dispatcher) Fetch(ctx context.Context, rawURL string, creds Credentials) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}

	switch u.Scheme {
	case "http", "https":
		return d.HTTP.Fetch(ctx, rawURL, creds)
	case "ftp":
		return d.FTP.Fetch(ctx, rawURL, creds)
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", u.Scheme, rawURL)
	}
}
