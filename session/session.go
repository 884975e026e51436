// Package session signs a user in to Firebase Authentication over its REST API
// and keeps the user's ID token fresh for the other clients.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	identityToolkitURL = "https://identitytoolkit.googleapis.com/v1/"
	secureTokenURL     = "https://securetoken.googleapis.com/v1/token"

	googleProviderID = "google.com"
	refreshLeeway    = time.Minute
	refreshTimeout   = 15 * time.Second
)

var ErrSignedOut = errors.New("not signed in")

type User struct {
	UID         string
	DisplayName string
	PhotoURL    string
	Email       string
}

// APIError is an error reply from the Identity Toolkit or Secure Token API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firebase auth: %d %s", e.StatusCode, e.Message)
}

type signInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
	LocalID      string `json:"localId"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
	Email        string `json:"email"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Session holds the signed-in user. It is an oauth2.TokenSource yielding the
// user's Firebase ID token.
type Session struct {
	apiKey      string
	identityURL string
	tokenURL    string
	httpClient  *http.Client
	now         func() time.Time

	// refreshMu serializes refreshes; mu is never held across a request.
	refreshMu sync.Mutex

	mu           sync.Mutex
	user         *User
	idToken      string
	refreshToken string
	expiry       time.Time

	listenersMu sync.Mutex
	listeners   map[int]func(*User)
	nextID      int
}

func New(apiKey string, httpClient *http.Client) *Session {
	return NewWithEndpoints(apiKey, identityToolkitURL, secureTokenURL, httpClient)
}

func NewWithEndpoints(apiKey, identityURL, tokenURL string, httpClient *http.Client) *Session {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Session{
		apiKey:      apiKey,
		identityURL: identityURL,
		tokenURL:    tokenURL,
		httpClient:  httpClient,
		now:         time.Now,
		listeners:   make(map[int]func(*User)),
	}
}

// SignInWithCustomToken exchanges a custom token minted by the Admin SDK.
func (s *Session) SignInWithCustomToken(ctx context.Context, customToken string) (*User, error) {
	const op = "session.SignInWithCustomToken"

	var resp signInResponse
	err := s.postJSON(ctx, s.identityURL+"accounts:signInWithCustomToken", map[string]any{
		"token":             customToken,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.signedIn(resp)
}

// SignInWithGoogle signs in with an ID token issued by Google Sign-In.
func (s *Session) SignInWithGoogle(ctx context.Context, googleIDToken string) (*User, error) {
	const op = "session.SignInWithGoogle"

	if googleIDToken == "" {
		return nil, fmt.Errorf("%s: failed to get ID token", op)
	}
	postBody := url.Values{
		"id_token":   {googleIDToken},
		"providerId": {googleProviderID},
	}
	var resp signInResponse
	err := s.postJSON(ctx, s.identityURL+"accounts:signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          "http://localhost",
		"returnIdpCredential": true,
		"returnSecureToken":   true,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.signedIn(resp)
}

func (s *Session) SignOut() {
	s.mu.Lock()
	wasSignedIn := s.user != nil
	s.user = nil
	s.idToken = ""
	s.refreshToken = ""
	s.expiry = time.Time{}
	s.mu.Unlock()

	if wasSignedIn {
		s.notify(nil)
	}
}

// CurrentUser returns the signed-in user or nil.
func (s *Session) CurrentUser() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// OnChange registers fn to be called with the new user after every sign-in
// and with nil after sign-out.
func (s *Session) OnChange(fn func(*User)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

// Token returns the current ID token, refreshing it shortly before it expires.
func (s *Session) Token() (*oauth2.Token, error) {
	token, user, err := s.cachedToken()
	if token != nil || err != nil {
		return token, err
	}
	return s.refresh(user)
}

// cachedToken returns the ID token when it is still fresh, or the signed-in
// user whose token needs a refresh.
func (s *Session) cachedToken() (*oauth2.Token, *User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, nil, ErrSignedOut
	}
	if s.now().Add(refreshLeeway).Before(s.expiry) {
		return &oauth2.Token{AccessToken: s.idToken, TokenType: "Bearer", Expiry: s.expiry}, nil, nil
	}
	return nil, s.user, nil
}

func (s *Session) refresh(user *User) (*oauth2.Token, error) {
	const op = "session.Token"

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// another caller may have refreshed while this one waited
	token, current, err := s.cachedToken()
	if token != nil || err != nil {
		return token, err
	}
	if current != user {
		return nil, fmt.Errorf("%s: %w", op, ErrSignedOut)
	}

	s.mu.Lock()
	refreshToken := s.refreshToken
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	resp, expiry, err := s.requestRefresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != user {
		return nil, fmt.Errorf("%s: %w", op, ErrSignedOut)
	}
	s.idToken = resp.IDToken
	s.refreshToken = resp.RefreshToken
	s.expiry = expiry
	return &oauth2.Token{AccessToken: s.idToken, TokenType: "Bearer", Expiry: s.expiry}, nil
}

func (s *Session) requestRefresh(ctx context.Context, refreshToken string) (refreshResponse, time.Time, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.withKey(s.tokenURL), strings.NewReader(form.Encode()))
	if err != nil {
		return refreshResponse{}, time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := s.do(req, &resp); err != nil {
		return refreshResponse{}, time.Time{}, err
	}
	expiry, err := s.expiryFrom(resp.ExpiresIn)
	if err != nil {
		return refreshResponse{}, time.Time{}, err
	}
	return resp, expiry, nil
}

func (s *Session) signedIn(resp signInResponse) (*User, error) {
	expiry, err := s.expiryFrom(resp.ExpiresIn)
	if err != nil {
		return nil, err
	}
	user := &User{
		UID:         resp.LocalID,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
		Email:       resp.Email,
	}

	s.mu.Lock()
	s.user = user
	s.idToken = resp.IDToken
	s.refreshToken = resp.RefreshToken
	s.expiry = expiry
	s.mu.Unlock()

	u := *user
	s.notify(&u)
	return &u, nil
}

func (s *Session) notify(user *User) {
	s.listenersMu.Lock()
	fns := make([]func(*User), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(user)
	}
}

func (s *Session) expiryFrom(expiresIn string) (time.Time, error) {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expiresIn %q: %w", expiresIn, err)
	}
	return s.now().Add(time.Duration(secs) * time.Second), nil
}

func (s *Session) withKey(u string) string {
	return u + "?key=" + url.QueryEscape(s.apiKey)
}

func (s *Session) postJSON(ctx context.Context, u string, payload any, out any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.withKey(u), bytes.NewReader(payloadBytes))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *Session) do(req *http.Request, out any) error {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return json.Unmarshal(body, out)
}
