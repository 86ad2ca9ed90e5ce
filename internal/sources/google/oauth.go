// Package google holds the OAuth plumbing shared by the Gmail and Calendar
// context sources.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/quantumlife/ponder/internal/logging"
)

// DefaultRedirectURL is the loopback address the CLI listens on during
// consent.
const DefaultRedirectURL = "http://localhost:8765/callback"

// ReadOnlyScopes are everything the context sources ask for
var ReadOnlyScopes = []string{
	gmail.GmailReadonlyScope,
	calendar.CalendarReadonlyScope,
}

// OAuthConfig holds the client registration. When TokenFile is set,
// tokens refreshed during API calls are written back to it.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	TokenFile    string
}

// OAuthFlow runs consent and builds authenticated API options
type OAuthFlow struct {
	config    *oauth2.Config
	tokenFile string
}

// NewOAuthFlow fills in the loopback redirect and read-only scopes
// when they are not given.
func NewOAuthFlow(cfg OAuthConfig) *OAuthFlow {
	redirect := cfg.RedirectURL
	if redirect == "" {
		redirect = DefaultRedirectURL
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), ReadOnlyScopes...)
	}
	return &OAuthFlow{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       scopes,
			Endpoint:     googleoauth.Endpoint,
		},
		tokenFile: cfg.TokenFile,
	}
}

// AuthURL is the consent page. Offline access with forced approval so
// Google always returns a refresh token.
func (f *OAuthFlow) AuthURL(state string) string {
	return f.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for a token
func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("google oauth exchange: %w", err)
	}
	return tok, nil
}

// TokenSource refreshes tok as it expires
func (f *OAuthFlow) TokenSource(ctx context.Context, tok *oauth2.Token) oauth2.TokenSource {
	src := f.config.TokenSource(ctx, tok)
	if f.tokenFile == "" {
		return src
	}
	return oauth2.ReuseTokenSource(tok, &persistingSource{
		base: src,
		path: f.tokenFile,
		last: tok.AccessToken,
	})
}

// ClientOption authenticates Google API clients with tok
func (f *OAuthFlow) ClientOption(ctx context.Context, tok *oauth2.Token) option.ClientOption {
	return option.WithTokenSource(f.TokenSource(ctx, tok))
}

// persistingSource saves each newly minted access token
type persistingSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		if err := SaveToken(p.path, tok); err != nil {
			logging.Warn("google token refreshed but not saved to %s: %v", p.path, err)
		} else {
			p.last = tok.AccessToken
		}
	}
	return tok, nil
}

// LoadToken reads a token saved by SaveToken. A file without access or
// refresh token is an error.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token %s: %w", path, errNoCredentials)
	}
	return &tok, nil
}

var errNoCredentials = errors.New("no credentials")

// SaveToken writes tok with owner-only permissions, creating parent
// directories. The file is replaced atomically.
func SaveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
