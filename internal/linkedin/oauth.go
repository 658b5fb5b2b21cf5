package linkedin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

// OAuthManager handles the LinkedIn OAuth 2.0 flow and keeps each owner's
// stored credential fresh
type OAuthManager struct {
	config *oauth2.Config
	store  storage.CredentialStore
	log    *logger.Logger
	now    func() time.Time
}

// NewOAuthManager creates a new OAuth manager backed by store
func NewOAuthManager(cfg config.LinkedInConfig, store storage.CredentialStore, log *logger.Logger) *OAuthManager {
	oauthURL := strings.TrimRight(cfg.OAuthURL, "/")
	if oauthURL == "" {
		oauthURL = "https://www.linkedin.com/oauth/v2"
	}
	return &OAuthManager{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   oauthURL + "/authorization",
				TokenURL:  oauthURL + "/accessToken",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store: store,
		log:   log.WithComponent("linkedin.oauth"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GenerateState creates a random state for OAuth CSRF protection
func GenerateState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// AuthURL returns the OAuth authorization URL
func (m *OAuthManager) AuthURL(state string) string {
	return m.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for tokens and stores them for ownerID
func (m *OAuthManager) Exchange(ctx context.Context, ownerID, code string) (*models.PlatformCredential, error) {
	m.log.Info().Str("owner_id", ownerID).Msg("Exchanging authorization code for token")

	token, err := m.config.Exchange(ctx, code)
	if err != nil {
		return nil, classifyTokenError("exchange", err)
	}

	cred := &models.PlatformCredential{OwnerID: ownerID, Platform: models.PlatformLinkedIn}
	cred.FromOAuth2Token(token)
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to save credential: %w", err)
	}

	m.log.Info().
		Str("owner_id", ownerID).
		Time("expires_at", cred.ExpiresAt).
		Msg("Token saved successfully")

	return cred, nil
}

// Token returns a usable credential for ownerID, refreshing it when it is
// about to expire. A missing, expired or revoked credential is reported as
// failure.KindAuthRequired.
func (m *OAuthManager) Token(ctx context.Context, ownerID string) (*models.PlatformCredential, error) {
	cred, err := m.store.GetCredential(ctx, ownerID, models.PlatformLinkedIn)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, failure.AuthRequired("linkedin", fmt.Errorf("no linkedin credential for owner %s", ownerID))
	}
	if err != nil {
		return nil, failure.Transient("linkedin", fmt.Errorf("failed to load credential: %w", err))
	}

	now := m.now()
	if !cred.NeedsRefresh(now) {
		return cred, nil
	}
	if cred.RefreshToken == "" {
		if cred.IsExpired(now) {
			return nil, failure.AuthRequired("linkedin", fmt.Errorf("token expired at %s and no refresh token is stored", cred.ExpiresAt.Format(time.RFC3339)))
		}
		return cred, nil
	}

	m.log.Info().Str("owner_id", ownerID).Msg("Token expiring soon, refreshing")

	// A token without an access token is never valid, so the source always
	// hits the token endpoint.
	fresh, err := m.config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}

	cred.FromOAuth2Token(fresh)
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		m.log.Warn().Err(err).Msg("Failed to save refreshed token")
	}

	m.log.Info().
		Str("owner_id", ownerID).
		Time("expires_at", cred.ExpiresAt).
		Msg("Token refreshed successfully")

	return cred, nil
}

// classifyTokenError maps token endpoint failures: a rejected grant needs the
// user, anything else may clear up
func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized {
			return failure.AuthRequired("linkedin "+op, err)
		}
		return failure.FromHTTPStatus("linkedin "+op, code, err)
	}
	return failure.Transient("linkedin "+op, err)
}

// ListenForCallback runs a temporary HTTP server on addr that completes the
// authorization for ownerID. It returns once the callback has been handled or
// ctx is done. onURL receives the URL the user must open.
func (m *OAuthManager) ListenForCallback(ctx context.Context, addr, ownerID string, onURL func(string)) (*models.PlatformCredential, error) {
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var res result
		switch {
		case q.Get("state") != state:
			res.err = fmt.Errorf("state mismatch")
		case q.Get("error") != "":
			res.err = fmt.Errorf("oauth error: %s - %s", q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			res.err = fmt.Errorf("no code in callback")
		default:
			res.code = q.Get("code")
		}
		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, `<html><body style="font-family: sans-serif; text-align: center; padding: 50px;">
<h1>Authorization successful</h1><p>You can close this window and return to the terminal.</p></body></html>`)
		}
		select {
		case done <- res:
		default:
		}
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			select {
			case done <- result{err: err}:
			default:
			}
		}
	}()
	defer server.Close()

	authURL := m.AuthURL(state)
	m.log.Info().Str("addr", addr).Msg("OAuth server started, waiting for callback")
	if onURL != nil {
		onURL(authURL)
	}

	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return m.Exchange(ctx, ownerID, res.code)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
