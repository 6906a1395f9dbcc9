package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// LoginPath is the auth service endpoint that exchanges credentials for a token.
const LoginPath = "/api/auth/login"

// AuthClient logs users in against the auth service.
type AuthClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// AuthClientOption configures an AuthClient.
type AuthClientOption func(*AuthClient)

func WithAuthHTTPClient(c *http.Client) AuthClientOption {
	return func(a *AuthClient) { a.client = c }
}

func NewAuthClient(baseURL string, opts ...AuthClientOption) *AuthClient {
	a := &AuthClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string     `json:"token"`
	UserID   flexString `json:"userId"`
	Username string     `json:"username"`
	Role     string     `json:"role"`
	Message  string     `json:"message"`
	Error    string     `json:"error"`
}

// LoginError is returned when the auth service rejects the credentials.
type LoginError struct {
	StatusCode int
	Message    string
}

func (e *LoginError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("login failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("login failed (%d)", e.StatusCode)
}

// Login exchanges credentials for a Session. Identity is read from the token;
// the response's own userId, username and role fill whatever the token lacks.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*Session, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+LoginPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", LoginPath, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}

	var lr loginResponse
	_ = json.Unmarshal(raw, &lr)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := lr.Message
		if msg == "" {
			msg = lr.Error
		}
		return nil, &LoginError{StatusCode: resp.StatusCode, Message: msg}
	}
	if lr.Token == "" {
		return nil, fmt.Errorf("login response carried no token")
	}

	s, err := FromToken(lr.Token, a.now())
	if err != nil {
		return nil, err
	}
	if s.UserID == "" {
		s.UserID = string(lr.UserID)
	}
	if s.Username == "" {
		s.Username = lr.Username
	}
	if s.Username == "" {
		s.Username = username
	}
	if s.Role == "" {
		s.Role = NormalizeRole(lr.Role)
	}
	return s, nil
}
