package toolbridge

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	headerAuthorization = "Authorization"
	headerAPIKey        = "X-API-Key"
)

// CredentialProvider yields the auth headers for one provider request.
// Implementations must be safe for concurrent use.
type CredentialProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// StaticCredentials returns the same headers on every request
type StaticCredentials struct {
	header http.Header
}

// NewStaticCredentials derives the headers for a non-OAuth auth kind
func NewStaticCredentials(auth AuthConfig) (*StaticCredentials, error) {
	h := http.Header{}
	switch auth.Kind {
	case "", AuthNone:
	case AuthBearer:
		if auth.Token == "" {
			return nil, fmt.Errorf("bearer auth requires a token")
		}
		h.Set(headerAuthorization, "Bearer "+auth.Token)
	case AuthAPIKey:
		if auth.APIKey == "" {
			return nil, fmt.Errorf("api_key auth requires a key")
		}
		h.Set(headerAPIKey, auth.APIKey)
	case AuthBasic:
		if auth.Username == "" {
			return nil, fmt.Errorf("basic auth requires a username")
		}
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		h.Set(headerAuthorization, "Basic "+creds)
	case AuthCustom:
		if auth.HeaderName == "" {
			return nil, fmt.Errorf("custom auth requires a header name")
		}
		h.Set(auth.HeaderName, auth.APIKey)
	default:
		return nil, fmt.Errorf("auth kind %q has no static credentials", auth.Kind)
	}
	return &StaticCredentials{header: h}, nil
}

// Headers returns a copy of the static headers
func (s *StaticCredentials) Headers(context.Context) (http.Header, error) {
	return s.header.Clone(), nil
}

// OAuthConfig describes a token endpoint. Username and Password select the
// resource owner password grant; otherwise client credentials are used.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Username     string
	Password     string
}

// OAuthCredentials issues bearer headers from an OAuth2 token source,
// refreshing the token when it expires
type OAuthCredentials struct {
	source oauth2.TokenSource
}

// NewOAuthCredentials builds a lazily fetching token source. ctx scopes the
// HTTP client used for token requests and should outlive the bridge.
func NewOAuthCredentials(ctx context.Context, cfg OAuthConfig) (*OAuthCredentials, error) {
	if cfg.TokenURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oauth requires token url and client id")
	}

	if cfg.Username == "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		return &OAuthCredentials{source: cc.TokenSource(ctx)}, nil
	}

	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		Scopes:       cfg.Scopes,
	}
	src := &passwordSource{ctx: ctx, conf: conf, username: cfg.Username, password: cfg.Password}
	return &OAuthCredentials{source: oauth2.ReuseTokenSource(nil, src)}, nil
}

// NewOAuthCredentialsFromSource wraps an existing token source
func NewOAuthCredentialsFromSource(src oauth2.TokenSource) *OAuthCredentials {
	return &OAuthCredentials{source: oauth2.ReuseTokenSource(nil, src)}
}

// Headers returns an Authorization header carrying a valid access token
func (o *OAuthCredentials) Headers(context.Context) (http.Header, error) {
	tok, err := o.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to obtain oauth token: %w", err)
	}
	h := http.Header{}
	h.Set(headerAuthorization, tok.Type()+" "+tok.AccessToken)
	return h, nil
}

// passwordSource performs the password grant, then refreshes through the
// standard oauth2 refresh flow once a refresh token is known
type passwordSource struct {
	ctx      context.Context
	conf     *oauth2.Config
	username string
	password string

	mu      sync.Mutex
	refresh oauth2.TokenSource
}

func (p *passwordSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refresh != nil {
		tok, err := p.refresh.Token()
		if err == nil {
			return tok, nil
		}
		p.refresh = nil
	}

	tok, err := p.conf.PasswordCredentialsToken(p.ctx, p.username, p.password)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		p.refresh = p.conf.TokenSource(p.ctx, tok)
	}
	return tok, nil
}

// credentialsFor resolves the credential provider for a provider config
func credentialsFor(cfg ProviderConfig) (CredentialProvider, error) {
	if cfg.Credentials != nil {
		return cfg.Credentials, nil
	}
	if cfg.Auth.Kind == AuthOAuth {
		return nil, fmt.Errorf("oauth auth requires a credential provider")
	}
	return NewStaticCredentials(cfg.Auth)
}
