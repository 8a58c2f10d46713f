// Package httpsource implements a mediacache.StreamGetter fetching media
// from a remote HTTP origin
package httpsource

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/mediacache"
)

// Source implements the mediacache.StreamGetter interface for HTTP origins
type Source struct {
	base      *url.URL
	client    *http.Client
	userAgent string
}

var _ mediacache.StreamGetter = (*Source)(nil)

// New returns a new HTTP source requesting <baseURL>/<folder>/<location>
func New(baseURL, userAgent string, client *http.Client) (*Source, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base URL")
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("invalid HTTP base URL")
	}

	if client == nil {
		client = http.DefaultClient
	}

	return &Source{base: u, client: client, userAgent: userAgent}, nil
}

// Size implements the mediacache.StreamGetter Size method. Origins not
// sending a Content-Length yield -1.
func (s Source) Size(ctx context.Context, cfg mediacache.FolderConfig, location string) (int64, error) {
	resp, err := s.do(ctx, http.MethodHead, cfg, location)
	if err != nil {
		return 0, err
	}
	defer s.closeBody(resp)

	return resp.ContentLength, nil
}

// OpenStream implements the mediacache.StreamGetter OpenStream method
func (s Source) OpenStream(ctx context.Context, cfg mediacache.FolderConfig, location string) (io.ReadCloser, error) {
	resp, err := s.do(ctx, http.MethodGet, cfg, location)
	if err != nil {
		return nil, err
	}

	return resp.Body, nil
}

func (s Source) do(ctx context.Context, method string, cfg mediacache.FolderConfig, location string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.resourceURL(cfg, location), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch source file")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.closeBody(resp)
		return nil, os.ErrNotExist // Surrounding code reacts on ErrNotExist

	case resp.StatusCode > 299:
		s.closeBody(resp)
		return nil, errors.Errorf("HTTP status signaled failure: %d", resp.StatusCode)
	}

	return resp, nil
}

func (s Source) resourceURL(cfg mediacache.FolderConfig, location string) string {
	u := *s.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + cfg.Qualifier + "/" + strings.TrimLeft(location, "/")
	return u.String()
}

func (Source) closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logrus.WithError(err).Error("closing response body (leaked fd)")
	}
}
