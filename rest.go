package rentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// RESTClient
// ============================================================================

// RESTClient talks to a hosted backend: table rows under /rest/v1 with
// PostgREST query syntax and password auth under /auth/v1.
type RESTClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
	user  *Identity
}

var (
	_ Store         = (*RESTClient)(nil)
	_ Authenticator = (*RESTClient)(nil)
)

type RESTOption func(*RESTClient)

func WithTimeout(timeout time.Duration) RESTOption {
	return func(c *RESTClient) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) RESTOption {
	return func(c *RESTClient) { c.httpClient = client }
}

// WithAccessToken resumes a session saved from an earlier sign-in.
func WithAccessToken(token string) RESTOption {
	return func(c *RESTClient) { c.token = token }
}

// NewRESTClient creates a client for the backend at baseURL.
func NewRESTClient(baseURL, apiKey string, opts ...RESTOption) *RESTClient {
	c := &RESTClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccessToken returns the session token, or "" when signed out.
func (c *RESTClient) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ============================================================================
// Internal request helper
// ============================================================================

type restError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
	Detail  string `json:"error_description"`
}

func (e *restError) text() string {
	for _, s := range []string{e.Message, e.Msg, e.Detail} {
		if s != "" {
			return s
		}
	}
	return http.StatusText(e.Status)
}

// asError maps an error response onto the package sentinels.
func (e *restError) asError() error {
	msg := e.text()
	switch {
	case e.Status == http.StatusConflict || e.Code == "23505":
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", msg, ErrUnauthenticated)
	case e.Status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	case e.Status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "invalid login"):
		return fmt.Errorf("%s: %w", msg, ErrUnauthenticated)
	}
	return &APIError{Code: CodeStore, Message: fmt.Sprintf("%d %s", e.Status, msg)}
}

func (c *RESTClient) doRequest(ctx context.Context, method, path string, body any, query url.Values, header http.Header) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if tok := c.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Code: CodeNetwork, Message: "request failed: " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Code: CodeNetwork, Message: "read response: " + err.Error(), Err: err}
	}
	if resp.StatusCode >= 300 {
		e := &restError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, e)
		return nil, e.asError()
	}
	return data, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Store
// ============================================================================

var returnRepresentation = http.Header{"Prefer": []string{"return=representation"}}

// filterValue renders a filter in PostgREST operator syntax.
func filterValue(f Filter) string {
	if f.Op == OpContains {
		vals := Record{"v": f.Value}.Strings("v")
		quoted := make([]string, len(vals))
		for i, v := range vals {
			quoted[i] = strconv.Quote(v)
		}
		return "cs.{" + strings.Join(quoted, ",") + "}"
	}
	return "eq." + fmt.Sprint(f.Value)
}

func filterQuery(filters []Filter) url.Values {
	q := url.Values{}
	for _, f := range filters {
		q.Add(f.Column, filterValue(f))
	}
	return q
}

func (c *RESTClient) Select(ctx context.Context, table string, query Query) ([]Record, error) {
	q := filterQuery(query.Filters)
	q.Set("select", "*")
	if query.OrderBy != "" {
		dir := "asc"
		if query.Desc {
			dir = "desc"
		}
		q.Set("order", query.OrderBy+"."+dir)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/rest/v1/"+table, nil, q, nil)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	rows, err := decodeJSON[[]Record](data)
	if err != nil {
		return nil, err
	}
	return *rows, nil
}

func (c *RESTClient) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/rest/v1/"+table, rec, nil, returnRepresentation)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return singleRow(data, table)
}

func (c *RESTClient) Update(ctx context.Context, table, id string, patch Record) (Record, error) {
	data, err := c.doRequest(ctx, http.MethodPatch, "/rest/v1/"+table, patch, filterQuery([]Filter{Eq("id", id)}), returnRepresentation)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return singleRow(data, table)
}

func (c *RESTClient) Delete(ctx context.Context, table string, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("delete %s: refusing to delete without a filter", table)
	}
	if _, err := c.doRequest(ctx, http.MethodDelete, "/rest/v1/"+table, nil, filterQuery(filters), nil); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func singleRow(data []byte, table string) (Record, error) {
	rows, err := decodeJSON[[]Record](data)
	if err != nil {
		return nil, err
	}
	if len(*rows) == 0 {
		return nil, fmt.Errorf("%s row: %w", table, ErrNotFound)
	}
	return (*rows)[0], nil
}

// ============================================================================
// Authenticator
// ============================================================================

type authUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type authSession struct {
	AccessToken string    `json:"access_token"`
	User        *authUser `json:"user"`
}

func (c *RESTClient) setSession(s *authSession) *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = s.AccessToken
	if s.User == nil {
		c.user = nil
		return nil
	}
	c.user = &Identity{ID: s.User.ID, Email: s.User.Email}
	id := *c.user
	return &id
}

// CurrentIdentity asks the backend who the token belongs to. An expired
// token reads as signed out.
func (c *RESTClient) CurrentIdentity(ctx context.Context) (*Identity, error) {
	c.mu.RLock()
	tok, user := c.token, c.user
	c.mu.RUnlock()
	if tok == "" {
		return nil, nil
	}
	if user != nil {
		id := *user
		return &id, nil
	}
	if tokenExpired(tok, time.Now()) {
		return nil, nil
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/auth/v1/user", nil, nil, nil)
	if err != nil {
		if isUnauthenticated(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("current user: %w", err)
	}
	u, err := decodeJSON[authUser](data)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.user = &Identity{ID: u.ID, Email: u.Email}
	c.mu.Unlock()
	return &Identity{ID: u.ID, Email: u.Email}, nil
}

// tokenExpired reports whether a saved JWT carries an exp claim in the
// past. Signatures are the backend's business; tokens that do not parse
// are left for the backend to judge.
func tokenExpired(tok string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	if _, ok := claims["exp"]; !ok {
		return false
	}
	return !claims.VerifyExpiresAt(now.Unix(), true)
}

func (c *RESTClient) SignUp(ctx context.Context, email, password string) (*Identity, error) {
	return c.authenticate(ctx, "/auth/v1/signup", nil, email, password)
}

func (c *RESTClient) SignIn(ctx context.Context, email, password string) (*Identity, error) {
	return c.authenticate(ctx, "/auth/v1/token", url.Values{"grant_type": {"password"}}, email, password)
}

func (c *RESTClient) authenticate(ctx context.Context, path string, q url.Values, email, password string) (*Identity, error) {
	data, err := c.doRequest(ctx, http.MethodPost, path, map[string]string{"email": email, "password": password}, q, nil)
	if err != nil {
		return nil, err
	}
	s, err := decodeJSON[authSession](data)
	if err != nil {
		return nil, err
	}
	id := c.setSession(s)
	if id == nil {
		return nil, fmt.Errorf("auth response without user: %w", ErrUnauthenticated)
	}
	return id, nil
}

func (c *RESTClient) SignOut(ctx context.Context) error {
	if c.AccessToken() == "" {
		return nil
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, nil)
	c.setSession(&authSession{})
	if err != nil && !isUnauthenticated(err) {
		return err
	}
	return nil
}

func (c *RESTClient) UpdatePassword(ctx context.Context, password string) error {
	if c.AccessToken() == "" {
		return ErrUnauthenticated
	}
	_, err := c.doRequest(ctx, http.MethodPut, "/auth/v1/user", map[string]string{"password": password}, nil, nil)
	return err
}

func isUnauthenticated(err error) bool {
	return storeFailure("", err).Code == CodeUnauthenticated
}

// ============================================================================
// HostedBackend
// ============================================================================

// HostedBackend pairs the REST client with the websocket feed, sharing
// the session token.
type HostedBackend struct {
	*RESTClient
	*RealtimeClient
}

var _ Backend = (*HostedBackend)(nil)

// NewHostedBackend connects both halves to the backend at baseURL.
func NewHostedBackend(baseURL, apiKey string, rt RealtimeConfig, opts ...RESTOption) *HostedBackend {
	rest := NewRESTClient(baseURL, apiKey, opts...)
	rt.URL = baseURL
	rt.APIKey = apiKey
	rt.Token = rest.AccessToken
	return &HostedBackend{RESTClient: rest, RealtimeClient: NewRealtimeClient(rt)}
}

// Close drops the feed connection.
func (b *HostedBackend) Close() error {
	return b.RealtimeClient.Disconnect()
}
