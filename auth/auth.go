package auth

import (
	"context"
	"fmt"
	"net/http"

	"firebase.google.com/go/v4/auth"
)

// Verifier is the part of the Firebase Auth client used to check ID tokens.
type Verifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Authenticate verifies the Firebase ID token carried by the request.
func Authenticate(r *http.Request, v Verifier) (*auth.Token, error) {
	const op = "auth.Authenticate"

	jwtToken, err := BearerTokenFromRequest(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	token, err := v.VerifyIDToken(r.Context(), jwtToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}
