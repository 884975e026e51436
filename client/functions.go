package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klipach/roomchat/auth"
	"github.com/klipach/roomchat/contract"
	"github.com/klipach/roomchat/userinfo"
	"golang.org/x/oauth2"
)

const (
	sendMessageFunction         = "sendMessage"
	getUserInfoFunction         = "getUserInfo"
	subscribeToChatRoomFunction = "subscribeToChatRoom"
)

// Functions invokes the deployed callables over the Firebase callable protocol.
type Functions struct {
	baseURL    string
	tokens     oauth2.TokenSource
	httpClient *http.Client
}

func NewFunctions(baseURL string, tokens oauth2.TokenSource, httpClient *http.Client) *Functions {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Functions{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		httpClient: httpClient,
	}
}

// Call posts data to the named function and decodes its result into result.
// A callable error reply is returned as *contract.CallableError.
func (f *Functions) Call(ctx context.Context, name string, data any, result any) error {
	const op = "client.Call"

	payload, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/"+name, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	token, err := f.tokens.Token()
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	auth.SetBearerToken(req, token.AccessToken)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}

	var envelope struct {
		Result json.RawMessage         `json:"result"`
		Error  *contract.CallableError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s %s: unexpected reply (status %d): %w", op, name, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s %s: %w", op, name, envelope.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status code: %d", op, name, resp.StatusCode)
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	return nil
}

func (f *Functions) SendMessage(ctx context.Context, req contract.SendMessageRequest) (bool, error) {
	var resp contract.SuccessResponse
	if err := f.Call(ctx, sendMessageFunction, req, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

func (f *Functions) SubscribeToChatRoom(ctx context.Context, roomID string) (bool, error) {
	var resp contract.SuccessResponse
	if err := f.Call(ctx, subscribeToChatRoomFunction, contract.SubscribeToChatRoomRequest{RoomID: roomID}, &resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// FetchUserInfo makes Functions the backing fetcher of a userinfo.Resolver.
func (f *Functions) FetchUserInfo(ctx context.Context, uid string) (userinfo.Info, error) {
	var resp contract.UserInfoResponse
	if err := f.Call(ctx, getUserInfoFunction, contract.GetUserInfoRequest{UID: uid}, &resp); err != nil {
		return userinfo.Info{}, err
	}
	return userinfo.Info{DisplayName: resp.DisplayName, PhotoURL: resp.PhotoURL}, nil
}
