package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jlaffaye/ftp"
)

const DefaultSourceURL = "https://opendata.dwd.de/climate_environment/CDC/observations_germany/climate/hourly/air_temperature/historical/"

var (
	ErrNotFound     = errors.New("archive not found")
	ErrMissingInput = errors.New("missing input")
)

// ArchiveSource lists and downloads station archives.
type ArchiveSource interface {
	List(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// RetryPolicy bounds the exponential backoff applied to each request.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxElapsedTime  time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	bo.MaxElapsedTime = 2 * time.Minute
	if p.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = p.MaxElapsedTime
	}
	return backoff.WithContext(bo, ctx)
}

// NewSource picks the source implementation from the URL scheme.
func NewSource(rawURL string, client *http.Client, retry RetryPolicy) (ArchiveSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(rawURL, client, retry), nil
	case "ftp":
		return NewFTPSource(u, retry), nil
	default:
		return nil, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// HTTPSource reads archives from an HTTP directory index such as the DWD
// open data server.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	retry   RetryPolicy
}

func NewHTTPSource(baseURL string, client *http.Client, retry RetryPolicy) *HTTPSource {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &HTTPSource{baseURL: baseURL, client: client, retry: retry}
}

var hrefRe = regexp.MustCompile(`href="([^"]+)"`)

func (s *HTTPSource) List(ctx context.Context) ([]string, error) {
	body, err := s.get(ctx, s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.baseURL, err)
	}
	var names []string
	for _, m := range hrefRe.FindAllStringSubmatch(string(body), -1) {
		name := path.Base(m[1])
		if strings.Contains(name, "stundenwerte") && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *HTTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	body, err := s.get(ctx, s.baseURL+name)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return body, nil
}

func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("transient status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}
	if err := backoff.Retry(operation, s.retry.backoff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

// FTPSource reads archives from an FTP mirror. Each call opens its own
// connection.
type FTPSource struct {
	addr  string
	dir   string
	user  string
	pass  string
	retry RetryPolicy
}

func NewFTPSource(u *url.URL, retry RetryPolicy) *FTPSource {
	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}
	s := &FTPSource{addr: addr, dir: u.Path, user: "anonymous", pass: "anonymous", retry: retry}
	if u.User != nil {
		s.user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			s.pass = p
		}
	}
	if s.dir == "" {
		s.dir = "/"
	}
	return s
}

func (s *FTPSource) withConn(ctx context.Context, fn func(*ftp.ServerConn) error) error {
	operation := func() error {
		conn, err := ftp.Dial(s.addr, ftp.DialWithTimeout(30*time.Second), ftp.DialWithContext(ctx))
		if err != nil {
			return fmt.Errorf("ftp dial: %w", err)
		}
		defer conn.Quit()

		if err := conn.Login(s.user, s.pass); err != nil {
			return backoff.Permanent(fmt.Errorf("ftp login: %w", err))
		}
		return fn(conn)
	}
	return backoff.Retry(operation, s.retry.backoff(ctx))
}

func (s *FTPSource) List(ctx context.Context) ([]string, error) {
	var names []string
	err := s.withConn(ctx, func(conn *ftp.ServerConn) error {
		entries, err := conn.List(s.dir)
		if err != nil {
			return fmt.Errorf("ftp list: %w", err)
		}
		names = names[:0]
		for _, e := range entries {
			if e.Type == ftp.EntryTypeFile && strings.Contains(e.Name, "stundenwerte") {
				names = append(names, path.Base(e.Name))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	return names, nil
}

func (s *FTPSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	var body []byte
	err := s.withConn(ctx, func(conn *ftp.ServerConn) error {
		resp, err := conn.Retr(path.Join(s.dir, name))
		if err != nil {
			return fmt.Errorf("ftp retr: %w", err)
		}
		defer resp.Close()

		body, err = io.ReadAll(resp)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", name, err)
	}
	return body, nil
}
