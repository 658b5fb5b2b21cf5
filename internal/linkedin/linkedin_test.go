package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalpost/internal/config"
	"github.com/signalpost/internal/models"
	"github.com/signalpost/internal/storage"
	"github.com/signalpost/pkg/failure"
	"github.com/signalpost/pkg/logger"
)

type memCredentials struct {
	mu    sync.Mutex
	creds map[string]*models.PlatformCredential
	saves int
}

func newMemCredentials(creds ...*models.PlatformCredential) *memCredentials {
	m := &memCredentials{creds: make(map[string]*models.PlatformCredential)}
	for _, c := range creds {
		m.creds[c.OwnerID] = c
	}
	return m
}

func (m *memCredentials) SaveCredential(_ context.Context, cred *models.PlatformCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.creds[cred.OwnerID] = &cp
	m.saves++
	return nil
}

func (m *memCredentials) GetCredential(_ context.Context, ownerID string, _ models.Platform) (*models.PlatformCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[ownerID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type staticTokens struct {
	cred *models.PlatformCredential
	err  error
}

func (s staticTokens) Token(context.Context, string) (*models.PlatformCredential, error) {
	return s.cred, s.err
}

func tokenServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/accessToken", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		grant := r.Form.Get("grant_type")
		fmt.Fprintf(w, `{"access_token":"fresh-%s","refresh_token":"r2","token_type":"Bearer","expires_in":3600}`, grant)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newOAuth(srvURL string, store storage.CredentialStore, now time.Time) *OAuthManager {
	m := NewOAuthManager(config.LinkedInConfig{ClientID: "id", ClientSecret: "secret", OAuthURL: srvURL}, store, logger.Nop())
	m.now = func() time.Time { return now }
	return m
}

func TestToken_MissingCredentialNeedsAuth(t *testing.T) {
	m := newOAuth("http://unused", newMemCredentials(), time.Now())
	_, err := m.Token(context.Background(), "alice")
	assert.True(t, failure.Is(err, failure.KindAuthRequired))
}

func TestToken_FreshTokenReturnedAsIs(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, http.StatusOK, &hits)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemCredentials(&models.PlatformCredential{OwnerID: "alice", AccessToken: "tok", ExpiresAt: now.Add(time.Hour)})

	cred, err := newOAuth(srv.URL, store, now).Token(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Zero(t, hits.Load())
}

func TestToken_RefreshesNearExpiry(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, http.StatusOK, &hits)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemCredentials(&models.PlatformCredential{
		OwnerID: "alice", AccessToken: "old", RefreshToken: "r1", ExpiresAt: now.Add(time.Minute),
	})

	cred, err := newOAuth(srv.URL, store, now).Token(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "fresh-refresh_token", cred.AccessToken)
	assert.Equal(t, "r2", cred.RefreshToken)

	saved, _ := store.GetCredential(context.Background(), "alice", models.PlatformLinkedIn)
	assert.Equal(t, "fresh-refresh_token", saved.AccessToken)
}

func TestToken_RejectedRefreshNeedsAuth(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, http.StatusBadRequest, &hits)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemCredentials(&models.PlatformCredential{
		OwnerID: "alice", AccessToken: "old", RefreshToken: "revoked", ExpiresAt: now.Add(-time.Hour),
	})

	_, err := newOAuth(srv.URL, store, now).Token(context.Background(), "alice")
	assert.True(t, failure.Is(err, failure.KindAuthRequired))
}

func TestToken_ExpiredWithoutRefreshNeedsAuth(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newMemCredentials(&models.PlatformCredential{OwnerID: "alice", AccessToken: "old", ExpiresAt: now.Add(-time.Hour)})

	_, err := newOAuth("http://unused", store, now).Token(context.Background(), "alice")
	assert.True(t, failure.Is(err, failure.KindAuthRequired))
}

func TestExchange_StoresCredential(t *testing.T) {
	var hits atomic.Int32
	srv := tokenServer(t, http.StatusOK, &hits)
	store := newMemCredentials()

	cred, err := newOAuth(srv.URL, store, time.Now()).Exchange(context.Background(), "bob", "code-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-authorization_code", cred.AccessToken)
	assert.Equal(t, models.PlatformLinkedIn, cred.Platform)
	assert.Equal(t, 1, store.saves)
}

func TestAuthURL(t *testing.T) {
	m := newOAuth("https://auth.example.com/oauth/v2", newMemCredentials(), time.Now())
	u := m.AuthURL("state-1")
	assert.Contains(t, u, "https://auth.example.com/oauth/v2/authorization?")
	assert.Contains(t, u, "state=state-1")

	state, err := GenerateState()
	require.NoError(t, err)
	assert.Len(t, state, 32)
}

type apiRecorder struct {
	mu       sync.Mutex
	post     PostRequest
	uploaded []byte
	auth     string
	version  string
}

func apiServer(t *testing.T, postStatus int, rec *apiRecorder) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.auth = r.Header.Get("Authorization")
		rec.version = r.Header.Get("LinkedIn-Version")
		rec.mu.Unlock()
		fmt.Fprint(w, `{"sub":"member-1","name":"Alice"}`)
	})
	mux.HandleFunc("/rest/images", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"value":{"uploadUrl":"%s/upload","image":"urn:li:image:9"}}`, srv.URL)
	})
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.uploaded = data
		rec.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/media.jpg", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "jpegbytes")
	})
	mux.HandleFunc("/rest/posts", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&rec.post)
		rec.mu.Unlock()
		if postStatus != http.StatusCreated {
			w.WriteHeader(postStatus)
			fmt.Fprint(w, `{"message":"nope"}`)
			return
		}
		w.Header().Set("x-restli-id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/slow/v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(baseURL string, tokens TokenProvider) *Client {
	c := NewClient(config.LinkedInConfig{BaseURL: baseURL, APIVersion: "202405"}, tokens, nil, logger.Nop())
	c.processingDelay = 0
	return c
}

var aliceCred = &models.PlatformCredential{OwnerID: "alice", AccessToken: "tok-a"}

func TestPublish_TextPost(t *testing.T) {
	rec := &apiRecorder{}
	srv := apiServer(t, http.StatusCreated, rec)
	c := newTestClient(srv.URL, staticTokens{cred: aliceCred})

	id, err := c.Publish(context.Background(), &models.Job{
		ID: 7, OwnerID: "alice", Caption: "Launch day", Hashtags: models.StringSlice{"go"},
	})
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "urn:li:share:42", id)
	assert.Equal(t, "Bearer tok-a", rec.auth)
	assert.Equal(t, "202405", rec.version)
	assert.Equal(t, "urn:li:person:member-1", rec.post.Author)
	assert.Equal(t, "Launch day\n\n#go", rec.post.Commentary)
	assert.Nil(t, rec.post.Content)
}

func TestPublish_WithMedia(t *testing.T) {
	rec := &apiRecorder{}
	srv := apiServer(t, http.StatusCreated, rec)
	c := newTestClient(srv.URL, staticTokens{cred: aliceCred})

	_, err := c.Publish(context.Background(), &models.Job{
		ID: 8, OwnerID: "alice", Caption: "With a picture", MediaURL: srv.URL + "/media.jpg",
	})
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []byte("jpegbytes"), rec.uploaded)
	require.NotNil(t, rec.post.Content)
	assert.Equal(t, "urn:li:image:9", rec.post.Content.Media.ID)
}

func TestPublish_ClassifiesFailures(t *testing.T) {
	cases := map[int]failure.Kind{
		http.StatusUnauthorized:        failure.KindAuthRequired,
		http.StatusServiceUnavailable:  failure.KindTransient,
		http.StatusUnprocessableEntity: failure.KindFatal,
	}
	for status, kind := range cases {
		rec := &apiRecorder{}
		srv := apiServer(t, status, rec)
		c := newTestClient(srv.URL, staticTokens{cred: aliceCred})

		_, err := c.Publish(context.Background(), &models.Job{ID: 1, OwnerID: "alice", Caption: "x"})
		require.Error(t, err)
		assert.Equal(t, kind, failure.KindOf(err), "status %d", status)
	}
}

func TestPublish_TokenErrorPassesThrough(t *testing.T) {
	c := newTestClient("http://unused", staticTokens{err: failure.AuthRequired("linkedin", nil)})
	_, err := c.Publish(context.Background(), &models.Job{OwnerID: "alice", Caption: "x"})
	assert.True(t, failure.Is(err, failure.KindAuthRequired))
}

func TestPublish_EmptyCaptionRejected(t *testing.T) {
	rec := &apiRecorder{}
	srv := apiServer(t, http.StatusCreated, rec)
	c := newTestClient(srv.URL, staticTokens{cred: aliceCred})

	_, err := c.Publish(context.Background(), &models.Job{OwnerID: "alice"})
	assert.True(t, failure.IsValidation(err))
}

func TestPublish_DeadlineIsTimeout(t *testing.T) {
	rec := &apiRecorder{}
	srv := apiServer(t, http.StatusCreated, rec)
	c := newTestClient(srv.URL+"/slow", staticTokens{cred: aliceCred})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Publish(ctx, &models.Job{OwnerID: "alice", Caption: "x"})
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))
}

func TestSanitizeForLinkedIn(t *testing.T) {
	in := "Ship it \u2192 now\u2022\u200b\r\n\r\n\r\n\r\nDone here  "
	assert.Equal(t, "Ship it -> now-\n\nDone here", sanitizeForLinkedIn(in))
}
