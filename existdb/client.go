// Copyright 2025 The existq authors
// Licensed under Apache 2.0, see LICENCE file for details.

// Package existdb talks to an eXist-db server over its REST interface.
// Queries execute with server-side session caching so individual results
// can be retrieved by position without re-running the query.
package existdb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/rs/zerolog"
)

// Namespace is the XML namespace of eXist-db response envelopes.
const Namespace = "http://exist.sourceforge.net/NS/exist"

// Event describes one REST interaction, reported to the configured
// observer.
type Event struct {
	Op       string
	Query    string
	Session  string
	Position int
	Duration time.Duration
	Err      error
}

// Operation names reported in events.
const (
	OpExecuteQuery = "executeQuery"
	OpRetrieve     = "retrieve"
	OpRelease      = "release"
	OpGetDocument  = "getDocument"
)

// Summary reports server-side statistics for an executed query.
type Summary struct {
	Hits      int
	QueryTime time.Duration
}

type sessionInfo struct {
	hits      int
	queryTime time.Duration
}

// Client is a connection to one eXist-db REST endpoint. It is safe for
// concurrent use.
type Client struct {
	base     *url.URL
	http     *http.Client
	username string
	password string
	log      zerolog.Logger
	observe  func(Event)

	mu       sync.Mutex
	sessions map[string]sessionInfo
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithBasicAuth sends the given credentials with every request.
func WithBasicAuth(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout bounds every request. Ignored when WithHTTPClient supplies a
// client carrying its own timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithLogger routes client logging to the given logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithObserver registers a callback invoked after every REST interaction.
func WithObserver(observe func(Event)) Option {
	return func(c *Client) {
		c.observe = observe
	}
}

// NewClient returns a client for the REST endpoint at serverURL, such as
// http://localhost:8080/exist/rest/db.
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("existdb: invalid server URL: %s", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("existdb: invalid server URL %q: scheme must be http or https", serverURL)
	}
	c := &Client{
		base:     base,
		http:     &http.Client{},
		log:      zerolog.Nop(),
		sessions: map[string]sessionInfo{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ExecuteQuery runs query on the server with result caching enabled and
// returns the session handle under which results are held.
func (c *Client) ExecuteQuery(ctx context.Context, query string) (string, error) {
	params := url.Values{}
	params.Set("_query", query)
	params.Set("_howmany", "0")
	params.Set("_cache", "yes")

	started := time.Now()
	root, err := c.get(ctx, "", params)
	duration := time.Since(started)
	c.emit(Event{Op: OpExecuteQuery, Query: query, Duration: duration, Err: err})
	if err != nil {
		return "", err
	}

	session := attr(root, "session")
	if session == "" {
		return "", fmt.Errorf("existdb: query response carries no session")
	}
	hits, err := strconv.Atoi(attr(root, "hits"))
	if err != nil {
		return "", fmt.Errorf("existdb: query response carries no hit count")
	}
	c.mu.Lock()
	c.sessions[session] = sessionInfo{hits: hits, queryTime: duration}
	c.mu.Unlock()

	c.log.Debug().
		Str("session", session).
		Int("hits", hits).
		Dur("duration", duration).
		Msg("query executed")
	return session, nil
}

// GetHits returns the hit count of an executed query.
func (c *Client) GetHits(ctx context.Context, session string) (int, error) {
	info, err := c.session(session)
	if err != nil {
		return 0, err
	}
	return info.hits, nil
}

// QuerySummary reports statistics for an executed query.
func (c *Client) QuerySummary(ctx context.Context, session string) (Summary, error) {
	info, err := c.session(session)
	if err != nil {
		return Summary{}, err
	}
	return Summary{Hits: info.hits, QueryTime: info.queryTime}, nil
}

func (c *Client) session(session string) (sessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.sessions[session]
	if !ok {
		return sessionInfo{}, fmt.Errorf("existdb: unknown query session %q", session)
	}
	return info, nil
}

// Retrieve fetches the result at the 1-based position pos from a cached
// query session. With highlight set, eXist marks fulltext matches up with
// exist:match elements.
func (c *Client) Retrieve(ctx context.Context, session string, pos int, highlight bool) (string, error) {
	params := url.Values{}
	params.Set("_session", session)
	params.Set("_start", strconv.Itoa(pos))
	params.Set("_howmany", "1")
	params.Set("_indent", "no")
	if highlight {
		params.Set("_highlight-matches", "elements")
	}

	started := time.Now()
	root, err := c.get(ctx, "", params)
	c.emit(Event{Op: OpRetrieve, Session: session, Position: pos, Duration: time.Since(started), Err: err})
	if err != nil {
		return "", err
	}
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return child.OutputXML(true), nil
		}
		// distinct-values and other atomizing queries return bare text
		if child.Type == xmlquery.TextNode && strings.TrimSpace(child.Data) != "" {
			return strings.TrimSpace(child.Data), nil
		}
	}
	return "", fmt.Errorf("existdb: no result at position %d of session %q", pos, session)
}

// ReleaseQueryResult drops a cached query session on the server. The
// handle is invalid afterwards.
func (c *Client) ReleaseQueryResult(ctx context.Context, session string) error {
	params := url.Values{}
	params.Set("_release", session)

	started := time.Now()
	_, err := c.get(ctx, "", params)
	c.emit(Event{Op: OpRelease, Session: session, Duration: time.Since(started), Err: err})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.sessions, session)
	c.mu.Unlock()
	c.log.Debug().Str("session", session).Msg("session released")
	return nil
}

// GetDocument fetches a stored document by its database path, e.g.
// "coll/file.xml" relative to the endpoint root.
func (c *Client) GetDocument(ctx context.Context, path string) (string, error) {
	params := url.Values{}
	params.Set("_indent", "no")

	started := time.Now()
	body, err := c.getRaw(ctx, path, params)
	c.emit(Event{Op: OpGetDocument, Query: path, Duration: time.Since(started), Err: err})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// get issues a request and parses the XML response envelope, returning its
// root element.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*xmlquery.Node, error) {
	body, err := c.getRaw(ctx, path, params)
	if err != nil {
		return nil, err
	}
	doc, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("existdb: cannot parse response: %s", err)
	}
	for child := doc.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return child, nil
		}
	}
	return nil, fmt.Errorf("existdb: empty response")
}

func (c *Client) getRaw(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := *c.base
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("existdb: cannot build request: %s", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("existdb: request failed: %s", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("existdb: cannot read response: %s", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, responseError(resp.StatusCode, body)
	}
	return body, nil
}

// responseError extracts the server's exception description from an error
// response when one is present.
func responseError(status int, body []byte) error {
	doc, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err == nil {
		if exc := xmlquery.FindOne(doc, "//exception"); exc != nil {
			message := ""
			if m := xmlquery.FindOne(exc, "message"); m != nil {
				message = strings.TrimSpace(m.InnerText())
			}
			if message != "" {
				return fmt.Errorf("existdb: server returned %d: %s", status, message)
			}
		}
	}
	return fmt.Errorf("existdb: server returned %d", status)
}

func (c *Client) emit(e Event) {
	if c.observe != nil {
		c.observe(e)
	}
}

// attr reads an attribute from a response element by local name, however
// the parser resolved the exist namespace prefix.
func attr(n *xmlquery.Node, name string) string {
	for _, a := range n.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
