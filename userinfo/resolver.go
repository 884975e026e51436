// Package userinfo resolves a message sender's display name and photo from a
// user id, fetching each id from the backend at most once per Resolver.
package userinfo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const resolveAllLimit = 8

var ErrEmptyUID = errors.New("empty user id")

type Info struct {
	DisplayName string
	PhotoURL    string
}

type Fetcher interface {
	FetchUserInfo(ctx context.Context, uid string) (Info, error)
}

type FetcherFunc func(ctx context.Context, uid string) (Info, error)

func (f FetcherFunc) FetchUserInfo(ctx context.Context, uid string) (Info, error) {
	return f(ctx, uid)
}

// Resolver caches user info by id and coalesces concurrent lookups of the same
// id into one fetch. Entries are never evicted; call Clear when the owning
// session ends.
type Resolver struct {
	fetcher      Fetcher
	fetchTimeout time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Info
}

type Option func(*Resolver)

// WithFetchTimeout bounds a single backend fetch. The fetch is shared by every
// waiter, so it does not inherit any one caller's cancellation.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.fetchTimeout = d
	}
}

func New(fetcher Fetcher, opts ...Option) *Resolver {
	r := &Resolver{
		fetcher:      fetcher,
		fetchTimeout: 30 * time.Second,
		cache:        make(map[string]Info),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the cached info for uid, joins a fetch already in flight for
// it, or starts one. A failed fetch is reported to every waiter and leaves uid
// uncached.
func (r *Resolver) Resolve(ctx context.Context, uid string) (Info, error) {
	const op = "userinfo.Resolve"

	if uid == "" {
		return Info{}, ErrEmptyUID
	}
	if info, ok := r.Peek(uid); ok {
		return info, nil
	}

	ch := r.group.DoChan(uid, func() (any, error) {
		// a fetch may have finished between Peek and DoChan
		if info, ok := r.Peek(uid); ok {
			return info, nil
		}

		fetchCtx := context.WithoutCancel(ctx)
		if r.fetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, r.fetchTimeout)
			defer cancel()
		}
		info, err := r.fetcher.FetchUserInfo(fetchCtx, uid)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.cache[uid] = info
		r.mu.Unlock()
		return info, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Info{}, fmt.Errorf("%s %s: %w", op, uid, res.Err)
		}
		return res.Val.(Info), nil
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

// ResolveAll resolves every distinct id in uids concurrently. Ids that fail
// are missing from the result and their errors are joined.
func (r *Resolver) ResolveAll(ctx context.Context, uids []string) (map[string]Info, error) {
	var (
		mu   sync.Mutex
		out  = make(map[string]Info, len(uids))
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(resolveAllLimit)

	seen := make(map[string]struct{}, len(uids))
	for _, uid := range uids {
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}

		g.Go(func() error {
			info, err := r.Resolve(ctx, uid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			out[uid] = info
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

func (r *Resolver) Peek(uid string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.cache[uid]
	return info, ok
}

func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// Clear drops every cached entry. Fetches in flight still complete and cache
// their result.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]Info)
	r.mu.Unlock()
}
