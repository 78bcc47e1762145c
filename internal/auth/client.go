package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/victornm/quizroom/internal/rest"
)

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Result is an authentication response normalized across the shapes the server answers with.
type Result struct {
	Message string
	User    User
	Tokens  Tokens
}

// Client calls the authentication endpoints.
type Client struct {
	rest *rest.Client
}

func NewClient(rc *rest.Client) *Client {
	return &Client{rest: rc}
}

// Login authenticates with an email or a username, depending on whether the identifier
// contains '@'.
func (c *Client) Login(ctx context.Context, identifier, password string) (*Result, error) {
	body := map[string]string{"password": password}
	if strings.Contains(identifier, "@") {
		body["email"] = identifier
	} else {
		body["username"] = identifier
	}

	return c.call(ctx, rest.Request{
		Op:     "auth_login",
		Method: http.MethodPost,
		Path:   "/api/auth/login",
		Body:   body,
	})
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	return c.call(ctx, rest.Request{
		Op:     "auth_refresh",
		Method: http.MethodPost,
		Path:   "/api/auth/refresh",
		Body:   map[string]string{"refreshToken": refreshToken},
	})
}

// Me returns the user behind the access token. Tokens are only set when the server rotates them.
func (c *Client) Me(ctx context.Context, accessToken string) (*Result, error) {
	return c.call(ctx, rest.Request{
		Op:     "auth_me",
		Method: http.MethodGet,
		Path:   "/api/auth/me",
		Token:  accessToken,
	})
}

func (c *Client) call(ctx context.Context, req rest.Request) (*Result, error) {
	var resp authResponse
	if err := c.rest.Do(ctx, req, &resp); err != nil {
		return nil, err
	}

	return resp.normalize(), nil
}

type authResponse struct {
	Message      string  `json:"message"`
	User         *User   `json:"user"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	Tokens       *Tokens `json:"tokens"`

	Data *struct {
		User   *User   `json:"user"`
		Tokens *Tokens `json:"tokens"`
	} `json:"data"`
}

func (r authResponse) normalize() *Result {
	res := &Result{Message: r.Message}
	if res.Message == "" {
		res.Message = "ok"
	}

	if r.Data != nil {
		if r.Data.User != nil {
			res.User = *r.Data.User
		}
		if r.Data.Tokens != nil {
			res.Tokens = *r.Data.Tokens
		}
	}

	if r.User != nil && res.User == (User{}) {
		res.User = *r.User
	}

	if res.Tokens.AccessToken == "" {
		switch {
		case r.AccessToken != "":
			res.Tokens = Tokens{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
		case r.Tokens != nil:
			res.Tokens = *r.Tokens
		}
	}

	return res
}
