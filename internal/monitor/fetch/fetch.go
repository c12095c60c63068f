// Package fetch downloads monitored pages with retry, user-agent rotation and
// an HTTPS-to-HTTP fallback for sites with broken TLS.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "sitewatch/pkg/logx"
)

// Browser-looking user agents, rotated per request. Some sites serve bots an
// empty shell or a 403.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0",
}

// Retryable HTTP statuses: rate limiting and transient upstream failures.
var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

const maxBodyBytes = 5 << 20 // 5 MiB; page text, not downloads

type Config struct {
	Timeout     time.Duration // default 30s
	Attempts    int           // default 3
	BackoffBase time.Duration // default 1s

	// PreDelayMin/Max bound the randomized pause before each request. Zero
	// values disable the pause (tests).
	PreDelayMin time.Duration
	PreDelayMax time.Duration

	// VerifyTLS enables certificate verification. Off by default: monitoring
	// availability wins over strict transport security for watched sites.
	VerifyTLS bool

	UserAgents []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	return c
}

// Result is one successful page download.
type Result struct {
	Body []byte
	// ContentType is the raw Content-Type header, used as an encoding hint.
	ContentType string
	// FinalURL differs from the requested URL after redirects or the
	// HTTP fallback.
	FinalURL string
}

// Fetcher downloads pages. Safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(cfg Config, log logx.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Transport: tr, Timeout: cfg.Timeout},
		log:    log,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Fetch downloads the page at rawURL, retrying transient failures and falling
// back from https to http once when the TLS handshake itself fails.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if err := f.preDelay(ctx); err != nil {
		return Result{}, err
	}

	res, err := f.fetchWithRetry(ctx, rawURL)
	if err == nil {
		return res, nil
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindTLS && strings.HasPrefix(rawURL, "https://") {
		plain := "http://" + strings.TrimPrefix(rawURL, "https://")
		f.log.Debug("tls failed, retrying over http",
			logx.String("url", rawURL))
		if res2, err2 := f.fetchWithRetry(ctx, plain); err2 == nil {
			return res2, nil
		}
	}
	return Result{}, err
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string) (Result, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.Attempts; attempt++ {
		if attempt > 0 {
			// 1s, 2s, 4s... under the default base.
			delay := f.cfg.BackoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		res, err := f.doOnce(ctx, rawURL)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if !retryable(err) {
			break
		}
		f.log.Debug("fetch attempt failed",
			logx.String("url", rawURL),
			logx.Int("attempt", attempt+1),
			logx.Err(err))
	}
	return Result{}, lastErr
}

func (f *Fetcher) doOnce(ctx context.Context, rawURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, &Error{Kind: KindConnection, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.pickUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4096)
		return Result{}, &Error{Kind: KindHTTPStatus, URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Result{}, classifyTransportError(rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    finalURL,
	}, nil
}

func (f *Fetcher) pickUserAgent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.UserAgents[f.rnd.Intn(len(f.cfg.UserAgents))]
}

// preDelay sleeps a random duration inside [PreDelayMin, PreDelayMax] so
// checks do not hit sites in lockstep.
func (f *Fetcher) preDelay(ctx context.Context) error {
	min, max := f.cfg.PreDelayMin, f.cfg.PreDelayMax
	if max < min {
		max = min
	}
	if max <= 0 {
		return nil
	}
	d := min
	if span := max - min; span > 0 {
		f.mu.Lock()
		d += time.Duration(f.rnd.Int63n(int64(span)))
		f.mu.Unlock()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func classifyTransportError(rawURL string, err error) *Error {
	kind := KindConnection
	switch {
	case isTLSError(err):
		kind = KindTLS
	case isTimeout(err):
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: rawURL, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTLSError(err error) bool {
	var (
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
	)
	if errors.As(err, &recErr) || errors.As(err, &certErr) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		msg := ue.Err.Error()
		return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
	}
	return false
}

func retryable(err error) bool {
	var fe *Error
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Kind {
	case KindHTTPStatus:
		return retryStatus[fe.Status]
	case KindTimeout, KindConnection:
		return !errors.Is(fe.Err, context.Canceled)
	default:
		// TLS errors do not fix themselves between attempts; the caller falls
		// back to plain http instead.
		return false
	}
}
