package contract

import "encoding/json"

// Callable status codes, as understood by the Firebase client SDKs.
const (
	StatusInvalidArgument = "INVALID_ARGUMENT"
	StatusUnauthenticated = "UNAUTHENTICATED"
	StatusNotFound        = "NOT_FOUND"
	StatusInternal        = "INTERNAL"
)

type CallableRequest struct {
	Data json.RawMessage `json:"data"`
}

type CallableResponse struct {
	Result any            `json:"result,omitempty"`
	Error  *CallableError `json:"error,omitempty"`
}

type CallableError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *CallableError) Error() string {
	return e.Status + ": " + e.Message
}

type SendMessageRequest struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
	Image  string `json:"image,omitempty"`
}

type GetUserInfoRequest struct {
	UID string `json:"uid"`
}

type SubscribeToChatRoomRequest struct {
	RoomID string `json:"roomId"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type UserInfoResponse struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}
