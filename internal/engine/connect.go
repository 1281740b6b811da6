package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
)

// ConnectResult is a live connection plus what it took to get it.
type ConnectResult struct {
	Conn           Connection
	RequestHeaders http.Header
	RedirectURLs   []string
	FinalURL       string
}

// Connect opens one connection for profile. User headers go first, then
// If-Match, then Range unless the backend encodes the offset itself.
// Redirects are followed with the same header set, up to MaxRedirects hops.
func Connect(ctx context.Context, factory ConnectionFactory, profile ConnectionProfile, rawURL, etag string, headers http.Header) (*ConnectResult, error) {
	conn, err := factory.Create(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error creating connection: %w", err)
	}
	for name, values := range headers {
		if isEngineHeader(name) {
			continue
		}
		for _, v := range values {
			conn.AddHeader(name, v)
		}
	}
	if etag != "" {
		conn.AddHeader("If-Match", etag)
	}
	if !conn.DispatchResume(etag, profile.CurrentOffset) {
		conn.AddHeader("Range", profile.RangeHeader())
	}
	// replayed on every redirect hop; client defaults are added again by each Execute
	replay := conn.RequestHeaders().Clone()
	log.Debug().Str("op", "engine/connect").Str("url", rawURL).Str("range", profile.String()).Msg("connecting")

	if err := conn.Execute(ctx); err != nil {
		conn.Ending()
		return nil, err
	}
	conn, redirects, finalURL, err := followRedirects(ctx, factory, conn, rawURL, replay)
	if err != nil {
		return nil, err
	}
	return &ConnectResult{
		Conn:           conn,
		RequestHeaders: conn.RequestHeaders().Clone(),
		RedirectURLs:   redirects,
		FinalURL:       finalURL,
	}, nil
}

// isEngineHeader reports headers the negotiator owns; user copies are dropped.
func isEngineHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Range", "If-Match":
		return true
	}
	return false
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMultipleChoices, http.StatusMovedPermanently, http.StatusFound,
		http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func followRedirects(ctx context.Context, factory ConnectionFactory, conn Connection, current string, sent http.Header) (Connection, []string, string, error) {
	var redirects []string
	for isRedirect(conn.ResponseCode()) {
		code := conn.ResponseCode()
		if len(redirects) >= MaxRedirects {
			conn.Ending()
			return nil, redirects, current, &RedirectError{Reason: fmt.Sprintf("more than %d redirects", MaxRedirects), URLs: redirects}
		}
		location := conn.ResponseHeader("Location")
		conn.Ending()
		if location == "" {
			return nil, redirects, current, &RedirectError{Reason: fmt.Sprintf("response %d without Location header", code), URLs: redirects}
		}
		next, err := resolveLocation(current, location)
		if err != nil {
			return nil, redirects, current, &RedirectError{Reason: err.Error(), URLs: redirects}
		}
		redirects = append(redirects, next)
		current = next
		log.Debug().Str("op", "engine/connect").Str("location", next).Int("hop", len(redirects)).Msg("following redirect")

		conn, err = factory.Create(next)
		if err != nil {
			return nil, redirects, current, fmt.Errorf("error creating connection: %w", err)
		}
		for name, values := range sent {
			for _, v := range values {
				conn.AddHeader(name, v)
			}
		}
		if err := conn.Execute(ctx); err != nil {
			conn.Ending()
			return nil, redirects, current, err
		}
	}
	return conn, redirects, current, nil
}

func resolveLocation(base, location string) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid Location %q: %w", location, err)
	}
	if loc.IsAbs() {
		return loc.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	return b.ResolveReference(loc).String(), nil
}
