package auth

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/auth"
	"github.com/klipach/roomchat/userinfo"
)

var ErrUserNotFound = errors.New("user not found")

// UserGetter is the part of the Firebase Auth client used for profile lookups.
type UserGetter interface {
	GetUser(ctx context.Context, uid string) (*auth.UserRecord, error)
}

// Directory serves public profiles out of Firebase Auth.
type Directory struct {
	users          UserGetter
	isUserNotFound func(error) bool
}

func NewDirectory(users UserGetter) *Directory {
	return &Directory{users: users, isUserNotFound: auth.IsUserNotFound}
}

func (d *Directory) FetchUserInfo(ctx context.Context, uid string) (userinfo.Info, error) {
	const op = "auth.FetchUserInfo"

	if uid == "" {
		return userinfo.Info{}, userinfo.ErrEmptyUID
	}
	user, err := d.users.GetUser(ctx, uid)
	if err != nil {
		if d.isUserNotFound(err) {
			return userinfo.Info{}, fmt.Errorf("%s: %w: %s", op, ErrUserNotFound, uid)
		}
		return userinfo.Info{}, fmt.Errorf("%s: %w", op, err)
	}
	if user.UserInfo == nil {
		return userinfo.Info{}, nil
	}
	return userinfo.Info{DisplayName: user.DisplayName, PhotoURL: user.PhotoURL}, nil
}
