package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	refreshes atomic.Int32
	// while hold is set, /token signals refreshing and waits for release
	hold       atomic.Bool
	refreshing chan struct{}
	release    chan struct{}
}

func (f *fakeAuth) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("key") != "api-key" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":400,"message":"API_KEY_INVALID"}}`))
		return
	}
	switch r.URL.Path {
	case "/accounts:signInWithCustomToken":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["token"] != "custom" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"INVALID_CUSTOM_TOKEN"}}`))
			return
		}
		w.Write([]byte(`{"idToken":"id-1","refreshToken":"refresh-1","expiresIn":"3600","localId":"u1"}`))
	case "/accounts:signInWithIdp":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		postBody, _ := url.ParseQuery(body["postBody"].(string))
		if postBody.Get("id_token") != "google-token" || postBody.Get("providerId") != "google.com" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":{"code":400,"message":"INVALID_IDP_RESPONSE"}}`))
			return
		}
		w.Write([]byte(`{"idToken":"id-g","refreshToken":"refresh-g","expiresIn":"3600","localId":"u2","displayName":"Ann","photoUrl":"http://x/ann.png","email":"ann@example.com"}`))
	case "/token":
		r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.refreshes.Add(1)
		if f.hold.Load() {
			f.refreshing <- struct{}{}
			<-f.release
		}
		w.Write([]byte(`{"id_token":"id-2","refresh_token":"refresh-2","expires_in":"3600","user_id":"u1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestSession(t *testing.T) (*Session, *fakeAuth) {
	t.Helper()
	fake := &fakeAuth{refreshing: make(chan struct{}, 1), release: make(chan struct{})}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewWithEndpoints("api-key", srv.URL+"/", srv.URL+"/token", srv.Client()), fake
}

func TestSignInWithCustomToken(t *testing.T) {
	s, _ := newTestSession(t)

	var changes []*User
	unsubscribe := s.OnChange(func(u *User) { changes = append(changes, u) })
	defer unsubscribe()

	user, err := s.SignInWithCustomToken(context.Background(), "custom")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.UID)
	assert.Equal(t, "u1", s.CurrentUser().UID)

	token, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "id-1", token.AccessToken)

	s.SignOut()
	assert.Nil(t, s.CurrentUser())
	_, err = s.Token()
	assert.ErrorIs(t, err, ErrSignedOut)

	require.Len(t, changes, 2)
	assert.Equal(t, "u1", changes[0].UID)
	assert.Nil(t, changes[1])
}

func TestSignInWithCustomTokenRejected(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.SignInWithCustomToken(context.Background(), "forged")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "INVALID_CUSTOM_TOKEN", apiErr.Message)
	assert.Nil(t, s.CurrentUser())
}

func TestSignInWithGoogle(t *testing.T) {
	s, _ := newTestSession(t)

	user, err := s.SignInWithGoogle(context.Background(), "google-token")
	require.NoError(t, err)
	assert.Equal(t, &User{UID: "u2", DisplayName: "Ann", PhotoURL: "http://x/ann.png", Email: "ann@example.com"}, user)

	_, err = s.SignInWithGoogle(context.Background(), "")
	assert.Error(t, err)
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	s, fake := newTestSession(t)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	_, err := s.SignInWithCustomToken(context.Background(), "custom")
	require.NoError(t, err)

	token, err := s.Token()
	require.NoError(t, err)
	assert.Equal(t, "id-1", token.AccessToken)
	assert.Equal(t, int32(0), fake.refreshes.Load())

	now = now.Add(59*time.Minute + 30*time.Second)
	token, err = s.Token()
	require.NoError(t, err)
	assert.Equal(t, "id-2", token.AccessToken)
	assert.Equal(t, int32(1), fake.refreshes.Load())
}

func TestSignOutWithoutUserDoesNotNotify(t *testing.T) {
	s, _ := newTestSession(t)
	called := false
	s.OnChange(func(*User) { called = true })
	s.SignOut()
	assert.False(t, called)
}

func TestCurrentUserNotBlockedByRefresh(t *testing.T) {
	s, fake := newTestSession(t)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	_, err := s.SignInWithCustomToken(context.Background(), "custom")
	require.NoError(t, err)

	fake.hold.Store(true)
	now = now.Add(time.Hour)

	type result struct {
		token string
		err   error
	}
	done := make(chan result, 2)
	for range 2 {
		go func() {
			token, err := s.Token()
			if err != nil {
				done <- result{err: err}
				return
			}
			done <- result{token: token.AccessToken}
		}()
	}
	<-fake.refreshing

	user := make(chan *User, 1)
	go func() { user <- s.CurrentUser() }()
	select {
	case u := <-user:
		require.NotNil(t, u)
		assert.Equal(t, "u1", u.UID)
	case <-time.After(time.Second):
		t.Fatal("CurrentUser blocked behind token refresh")
	}

	close(fake.release)
	for range 2 {
		r := <-done
		require.NoError(t, r.err)
		assert.Equal(t, "id-2", r.token)
	}
	assert.Equal(t, int32(1), fake.refreshes.Load())
}
