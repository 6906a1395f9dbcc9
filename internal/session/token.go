package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles derived from token claims.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

var (
	ErrNoSession    = errors.New("no active session")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var raw []interface{}
		if err := unmarshalJSON(data, &raw); err != nil {
			return err
		}
		out := make([]string, 0, len(raw))
		for _, v := range raw {
			switch val := v.(type) {
			case string:
				out = append(out, val)
			case map[string]interface{}:
				// Spring-style authorities: [{"authority":"ROLE_PATIENT"}]
				if a, ok := val["authority"].(string); ok {
					out = append(out, a)
				}
			}
		}
		*l = out
		return nil
	}
	var single string
	if err := unmarshalJSON(data, &single); err != nil {
		return err
	}
	*l = []string{single}
	return nil
}

// flexString accepts a JSON string or number; user IDs come in both shapes.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := unmarshalJSON(data, &str); err != nil {
			return err
		}
		*f = flexString(str)
		return nil
	}
	*f = flexString(s)
	return nil
}

// Claims are the token fields the portal reads. The signature is never
// verified here; the issuing backend remains the authority.
type Claims struct {
	jwt.RegisteredClaims
	UserID            flexString `json:"userId,omitempty"`
	LegacyID          flexString `json:"id,omitempty"`
	Username          string     `json:"username,omitempty"`
	PreferredUsername string     `json:"preferred_username,omitempty"`
	Email             string     `json:"email,omitempty"`
	Role              stringList `json:"role,omitempty"`
	Roles             stringList `json:"roles,omitempty"`
	Authorities       stringList `json:"authorities,omitempty"`
}

// DecodeToken parses the token's claims without verifying its signature.
func DecodeToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Expired reports whether the token carries an exp claim in the past.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(c.ExpiresAt.Time)
}

// SubjectID returns the best available user identifier.
func (c *Claims) SubjectID() string {
	switch {
	case c.UserID != "":
		return string(c.UserID)
	case c.LegacyID != "":
		return string(c.LegacyID)
	default:
		return c.Subject
	}
}

// DisplayName returns the best available username.
func (c *Claims) DisplayName() string {
	switch {
	case c.Username != "":
		return c.Username
	case c.PreferredUsername != "":
		return c.PreferredUsername
	case c.Email != "":
		return c.Email
	default:
		return c.Subject
	}
}

// DeriveRole maps the role strings found in the claims onto one portal role.
// Admin outranks doctor, which outranks patient. Unknown roles yield "".
func DeriveRole(c *Claims) string {
	var found = map[string]bool{}
	for _, list := range []stringList{c.Role, c.Roles, c.Authorities} {
		for _, r := range list {
			if role := NormalizeRole(r); role != "" {
				found[role] = true
			}
		}
	}
	for _, role := range []string{RoleAdmin, RoleDoctor, RolePatient} {
		if found[role] {
			return role
		}
	}
	return ""
}

// NormalizeRole turns strings like "ROLE_DOCTOR" or "Patient" into a portal role.
func NormalizeRole(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	r = strings.TrimPrefix(r, "role_")
	switch {
	case strings.Contains(r, "admin"):
		return RoleAdmin
	case strings.Contains(r, "doctor"), strings.Contains(r, "physician"):
		return RoleDoctor
	case strings.Contains(r, "patient"):
		return RolePatient
	default:
		return ""
	}
}

// FromToken builds a Session from a bearer token. Expired tokens are rejected.
func FromToken(token string, now time.Time) (*Session, error) {
	claims, err := DecodeToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Expired(now) {
		return nil, ErrTokenExpired
	}
	return &Session{
		UserID:   claims.SubjectID(),
		Username: claims.DisplayName(),
		Role:     DeriveRole(claims),
		Token:    strings.TrimSpace(token),
	}, nil
}
