// Package authority implements the HTTP client for the remote token
// authority: login, signup, token validation, and token refresh, per
// principal kind. Failure modes are split into a strict taxonomy so the
// session engine can tell an unreachable authority apart from an
// authoritative rejection.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hirewire/sessiond/pkg/observability"
	"github.com/hirewire/sessiond/pkg/principal"
)

// Op names used in errors and metrics.
const (
	OpLogin    = "login"
	OpSignup   = "signup"
	OpValidate = "validate"
	OpRefresh  = "refresh"
)

// ValidationResult is the authority's answer to a validate call. Principal
// carries only the fields the authority chose to return; callers merge it
// onto known state rather than overwrite wholesale.
type ValidationResult struct {
	Valid     bool
	Principal *principal.Principal
	ExpiresAt int64 // epoch milliseconds, 0 when the authority omitted it
}

// SignupRequest is the payload for the stateless signup pass-through.
type SignupRequest struct {
	Name     string            `json:"name"`
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Config holds authority client configuration.
type Config struct {
	BaseURL string
	Kind    principal.Kind
	Timeout time.Duration

	// HTTPClient overrides the default instrumented client. Used in tests.
	HTTPClient *http.Client

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Client talks to the authority endpoints of one principal kind. Company
// requests additionally carry an Authorization bearer header on validate and
// refresh, matching the authority's contract.
type Client struct {
	baseURL    string
	kind       principal.Kind
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewClient creates an authority client for the given kind.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authority base URL is required")
	}
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("invalid principal kind: %q", cfg.Kind)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		kind:       cfg.Kind,
		httpClient: httpClient,
		logger:     logger.WithField("kind", string(cfg.Kind)),
		metrics:    cfg.Metrics,
	}, nil
}

// Kind returns the principal kind this client serves.
func (c *Client) Kind() principal.Kind {
	return c.kind
}

func (c *Client) endpoint(path string) string {
	prefix := "users"
	if c.kind == principal.KindCompany {
		prefix = "companies"
	}
	return fmt.Sprintf("%s/api/%s/%s", c.baseURL, prefix, path)
}

// Login exchanges credentials for a token and principal. A token returned
// without a resolvable identity (missing email or role) is refused with an
// IncompletePayloadError, not accepted.
func (c *Client) Login(ctx context.Context, email, password string) (string, *principal.Principal, error) {
	var resp struct {
		Token   *string              `json:"token"`
		Message string               `json:"message"`
		User    *principal.Principal `json:"user"`
		Company *principal.Principal `json:"company"`
	}

	err := c.post(ctx, OpLogin, c.endpoint("login"), map[string]string{
		"email":    email,
		"password": password,
	}, "", &resp)
	if err != nil {
		return "", nil, err
	}

	if resp.Token == nil || *resp.Token == "" {
		return "", nil, &RejectedError{Op: OpLogin, Message: resp.Message}
	}

	p := resp.User
	if c.kind == principal.KindCompany {
		p = resp.Company
	}

	var missing []string
	if p == nil || p.Email == "" {
		missing = append(missing, "email")
	}
	if p == nil || p.Role == "" {
		missing = append(missing, "role")
	}
	if len(missing) > 0 {
		return "", nil, &IncompletePayloadError{Op: OpLogin, Missing: missing}
	}

	return *resp.Token, p, nil
}

// Signup forwards a registration request to the authority. It never touches
// session state; the caller relays the authority's message to the user.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.post(ctx, OpSignup, c.endpoint("signup"), req, "", &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// Validate asks the authority whether the token is still good. A transport
// failure is returned as a TransportError and must be distinguished from an
// authoritative Valid:false answer.
func (c *Client) Validate(ctx context.Context, token string) (*ValidationResult, error) {
	var resp struct {
		Valid          bool   `json:"valid"`
		ID             string `json:"id"`
		Email          string `json:"email"`
		Name           string `json:"name"`
		Role           string `json:"role"`
		ExpirationTime int64  `json:"expirationTime"`
	}

	bearer := ""
	if c.kind == principal.KindCompany {
		bearer = token
	}

	err := c.post(ctx, OpValidate, c.endpoint("validate-token"), map[string]string{
		"token": token,
	}, bearer, &resp)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Valid:     resp.Valid,
		ExpiresAt: resp.ExpirationTime,
	}
	if resp.Valid {
		result.Principal = &principal.Principal{
			ID:    resp.ID,
			Email: resp.Email,
			Name:  resp.Name,
			Role:  resp.Role,
		}
	}
	return result, nil
}

// Refresh exchanges an old token for a new one. A null token in the response
// is a deterministic revocation (RejectedError), never a transport failure.
func (c *Client) Refresh(ctx context.Context, oldToken string) (string, error) {
	var resp struct {
		Token   *string `json:"token"`
		Message string  `json:"message"`
	}

	bearer := ""
	if c.kind == principal.KindCompany {
		bearer = oldToken
	}

	err := c.post(ctx, OpRefresh, c.endpoint("refresh-token"), map[string]string{
		"token": oldToken,
	}, bearer, &resp)
	if err != nil {
		return "", err
	}

	if resp.Token == nil || *resp.Token == "" {
		return "", &RejectedError{Op: OpRefresh, Message: resp.Message}
	}
	return *resp.Token, nil
}

// post performs one JSON round trip and maps failures onto the error
// taxonomy: connection failures and 5xx become TransportError, non-2xx with
// a body message becomes RejectedError.
func (c *Client) post(ctx context.Context, op, url string, payload interface{}, bearer string, dest interface{}) error {
	start := time.Now()
	outcome := "error"
	defer func() {
		c.metrics.ObserveAuthorityRequest(string(c.kind), op, outcome, time.Since(start))
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = "transport_error"
		c.logger.WithError(err).WithField("op", op).Debug("authority request failed")
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		outcome = "transport_error"
		return &TransportError{Op: op, Err: fmt.Errorf("authority returned status %d", resp.StatusCode)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome = "rejected"
		return &RejectedError{Op: op, Message: readErrorMessage(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		outcome = "transport_error"
		return &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	outcome = "ok"
	return nil
}

// readErrorMessage extracts the authority's message field from an error body.
func readErrorMessage(body io.Reader) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
