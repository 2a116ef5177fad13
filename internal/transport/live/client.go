// Package live talks to a SuperSaaS style schedule over HTTP: it scrapes the
// slot feed, signs users in, submits booking forms and reads the agenda view
// back to confirm them.
package live

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
)

const maxBody = 4 << 20

// Transport holds what all sessions share: configuration and the outbound
// request pacing.
type Transport struct {
	cfg     config.LiveConfig
	base    *url.URL
	limiter *rate.Limiter
	log     zerolog.Logger

	// Now is the local clock. Tests replace it.
	Now func() time.Time
	// HTTPTransport is used by every session client; nil means http.DefaultTransport.
	HTTPTransport http.RoundTripper
}

func New(cfg config.LiveConfig, log zerolog.Logger) (*Transport, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("live: base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("live: base url %q must be absolute", cfg.BaseURL)
	}
	rps := rate.Limit(cfg.RequestsPerSec)
	if cfg.RequestsPerSec <= 0 {
		rps = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Transport{
		cfg:     cfg,
		base:    base,
		limiter: rate.NewLimiter(rps, burst),
		log:     log.With().Str("transport", "live").Logger(),
		Now:     time.Now,
	}, nil
}

func (t *Transport) Name() string { return "live" }

// NewSession returns a session with its own cookie jar, so concurrent jobs
// never share a signed-in user.
func (t *Transport) NewSession() reservation.Session {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &session{
		t: t,
		hc: &http.Client{
			Timeout:   t.cfg.Timeout,
			Jar:       jar,
			Transport: t.HTTPTransport,
		},
	}
}

func (t *Transport) scheduleURL() string {
	return t.base.String() + "/schedule/" + t.cfg.Account + "/" + t.cfg.Schedule
}

func (t *Transport) loginURL() string {
	after := "/schedule/" + t.cfg.Account + "/" + t.cfg.Schedule
	return t.base.String() + "/schedule/login/" + t.cfg.Account + "/" + t.cfg.Schedule + "?after=" + url.QueryEscape(after)
}

func (t *Transport) agendaURL() string {
	return t.scheduleURL() + "?view=agenda"
}

type session struct {
	t  *Transport
	hc *http.Client
	// signedIn is the email the jar currently holds a login for.
	signedIn string
}

func (s *session) FetchSlots(ctx context.Context, includeExtra bool) (reservation.Snapshot, error) {
	res, body, err := s.do(ctx, http.MethodGet, s.t.scheduleURL(), nil)
	if err != nil {
		return reservation.Snapshot{}, err
	}
	snap := reservation.Snapshot{ReceivedAt: s.t.Now()}
	if d := res.Header.Get("Date"); d != "" {
		if st, err := http.ParseTime(d); err == nil {
			snap.ServerTime = st
		}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return snap, fmt.Errorf("fetch schedule: status %d", res.StatusCode)
	}

	raw, err := scheduleData(body)
	if err != nil {
		return snap, err
	}
	keywords := s.t.cfg.TitleKeywords
	if includeExtra {
		keywords = append(append([]string(nil), keywords...), s.t.cfg.ExtraKeywords...)
	}
	snap.Slots, err = parseSlots(raw, keywords, snap.ReceivedAt)
	if err != nil {
		return snap, err
	}
	s.t.log.Debug().
		Int("slots", len(snap.Slots)).
		Dur("server_offset", snap.Offset().Raw).
		Msg("schedule fetched")
	return snap, nil
}

func (s *session) Book(ctx context.Context, u user.User, slotID int64) (reservation.Outcome, error) {
	ok, err := s.login(ctx, u)
	if err != nil {
		return "", err
	}
	if !ok {
		return reservation.OutcomeError, nil
	}

	form := url.Values{}
	form.Set("booking[full_name]", u.Name)
	form.Set("booking[confirm]", "0")
	form.Set("booking[slot_id]", fmt.Sprint(slotID))
	form.Set("button", "")

	res, body, err := s.do(ctx, http.MethodPost, s.t.scheduleURL(), form)
	if err != nil {
		return "", err
	}
	o := classifyBooking(res.StatusCode, body)
	s.t.log.Info().Str("user", u.Name).Int64("slot_id", slotID).Int("status", res.StatusCode).Str("outcome", string(o)).Msg("book")
	return o, nil
}

func (s *session) Confirm(ctx context.Context, slotID int64, u user.User) (reservation.Outcome, error) {
	_, body, err := s.do(ctx, http.MethodPost, s.t.agendaURL(), url.Values{})
	if err != nil {
		return "", err
	}
	o, err := agendaOutcome(body, slotID)
	if err != nil {
		return "", err
	}
	s.t.log.Info().Str("user", u.Name).Int64("slot_id", slotID).Str("outcome", string(o)).Msg("confirm")
	return o, nil
}

// login signs u in unless the session already holds a login for them. A
// rejected login is reported as false, not as an error.
func (s *session) login(ctx context.Context, u user.User) (bool, error) {
	if s.signedIn != "" && s.signedIn == u.Credentials.Email {
		return true, nil
	}
	// the login form needs the session cookies handed out by the schedule page
	if len(s.hc.Jar.Cookies(s.t.base)) == 0 {
		if _, _, err := s.do(ctx, http.MethodGet, s.t.scheduleURL(), nil); err != nil {
			return false, err
		}
	}

	form := url.Values{}
	form.Set("name", u.Credentials.Email)
	form.Set("password", u.Credentials.Password)
	form.Set("remember", "K")
	form.Set("button", "")

	res, body, err := s.do(ctx, http.MethodPost, s.t.loginURL(), form)
	if err != nil {
		return false, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 || !bytes.Contains(body, []byte("Signed in as "+u.Credentials.Email)) {
		s.t.log.Warn().Str("user", u.Name).Int("status", res.StatusCode).Msg("login failed")
		s.signedIn = ""
		return false, nil
	}
	s.t.log.Info().Str("user", u.Name).Msg("logged in")
	s.signedIn = u.Credentials.Email
	return true, nil
}

func (s *session) do(ctx context.Context, method, rawURL string, form url.Values) (*http.Response, []byte, error) {
	if err := s.t.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("accept-language", "en-US,en;q=0.9")
	req.Header.Set("cache-control", "no-cache")
	req.Header.Set("pragma", "no-cache")
	req.Header.Set("origin", s.t.base.String())
	req.Header.Set("referer", s.t.scheduleURL())
	if s.t.cfg.UserAgent != "" {
		req.Header.Set("user-agent", s.t.cfg.UserAgent)
	}
	if form != nil {
		req.Header.Set("content-type", "application/x-www-form-urlencoded")
	}

	res, err := s.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return res, nil, err
	}
	return res, b, nil
}
