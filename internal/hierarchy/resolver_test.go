// internal/hierarchy/resolver_test.go
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/cache"
	"github.com/javajoker/imi-commission/internal/models"
)

type fakeUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]models.User
	reads int
	err   error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[uuid.UUID]models.User)}
}

func (f *fakeUsers) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return &u, nil
}

// add inserts a user under parent, deriving the ancestor path from the parent.
func (f *fakeUsers) add(rank models.Rank, parent *uuid.UUID) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := models.User{Rank: rank, ParentID: parent}
	u.ID = uuid.New()
	if parent != nil {
		if p, ok := f.users[*parent]; ok {
			u.AncestorPath = append(append([]string{}, p.AncestorPath...), parent.String())
		}
	}
	f.users[u.ID] = u
	return u.ID
}

func (f *fakeUsers) set(u models.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
}

func (f *fakeUsers) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func ptr(id uuid.UUID) *uuid.UUID { return &id }

func newResolver(store UserStore) (*Resolver, *test.Hook) {
	logger, hook := test.NewNullLogger()
	c := cache.New[Node](cache.Options{Capacity: 128})
	return NewResolver(store, c, WithLogger(logger)), hook
}

func TestResolveUplineOrdersNearestFirst(t *testing.T) {
	users := newFakeUsers()
	root := users.add(models.RankDirector, nil)
	mid := users.add(models.RankStar3, ptr(root))
	direct := users.add(models.RankStar1, ptr(mid))
	buyer := users.add(models.RankNormal, ptr(direct))

	r, _ := newResolver(users)
	upline, err := r.ResolveUpline(context.Background(), buyer, 10)
	require.NoError(t, err)

	assert.Equal(t, []Member{
		{UserID: direct, Rank: models.RankStar1},
		{UserID: mid, Rank: models.RankStar3},
		{UserID: root, Rank: models.RankDirector},
	}, upline)
}

func TestResolveUplineCapsAtMaxDepth(t *testing.T) {
	users := newFakeUsers()
	var parent *uuid.UUID
	for i := 0; i < 6; i++ {
		id := users.add(models.RankVIP, parent)
		parent = ptr(id)
	}
	buyer := users.add(models.RankNormal, parent)

	r, _ := newResolver(users)
	upline, err := r.ResolveUpline(context.Background(), buyer, 2)
	require.NoError(t, err)
	assert.Len(t, upline, 2)
	assert.Equal(t, *parent, upline[0].UserID)

	upline, err = r.ResolveUpline(context.Background(), buyer, 0)
	require.NoError(t, err)
	assert.Empty(t, upline)
}

func TestResolveUplineUnknownBuyer(t *testing.T) {
	r, _ := newResolver(newFakeUsers())
	_, err := r.ResolveUpline(context.Background(), uuid.New(), 3)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResolveUplineStopsAtBrokenLink(t *testing.T) {
	users := newFakeUsers()
	ghost := uuid.New()
	direct := users.add(models.RankStar2, nil)
	users.set(models.User{BaseModel: models.BaseModel{ID: direct}, Rank: models.RankStar2, ParentID: ptr(ghost)})
	buyer := users.add(models.RankNormal, ptr(direct))

	r, hook := newResolver(users)
	upline, err := r.ResolveUpline(context.Background(), buyer, 5)
	require.NoError(t, err)
	assert.Equal(t, []Member{{UserID: direct, Rank: models.RankStar2}}, upline)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestResolveUplineDetectsSelfParent(t *testing.T) {
	users := newFakeUsers()
	loop := uuid.New()
	users.set(models.User{BaseModel: models.BaseModel{ID: loop}, Rank: models.RankStar1, ParentID: ptr(loop)})
	buyer := users.add(models.RankNormal, ptr(loop))

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), buyer, 5)
	assert.ErrorIs(t, err, ErrCorruptHierarchy)
}

func TestResolveUplineDetectsLongerCycle(t *testing.T) {
	users := newFakeUsers()
	a, b := uuid.New(), uuid.New()
	users.set(models.User{BaseModel: models.BaseModel{ID: a}, Rank: models.RankVIP, ParentID: ptr(b)})
	users.set(models.User{BaseModel: models.BaseModel{ID: b}, Rank: models.RankVIP, ParentID: ptr(a)})

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), a, 10)
	assert.ErrorIs(t, err, ErrCorruptHierarchy)
}

func TestResolveUplineDetectsPathMismatch(t *testing.T) {
	users := newFakeUsers()
	root := users.add(models.RankDirector, nil)
	buyer := uuid.New()
	users.set(models.User{
		BaseModel:    models.BaseModel{ID: buyer},
		Rank:         models.RankNormal,
		ParentID:     ptr(root),
		AncestorPath: []string{uuid.NewString()},
	})

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), buyer, 3)
	assert.ErrorIs(t, err, ErrCorruptHierarchy)
}

func TestResolveUplineUsesCache(t *testing.T) {
	users := newFakeUsers()
	root := users.add(models.RankDirector, nil)
	buyer := users.add(models.RankNormal, ptr(root))

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), buyer, 3)
	require.NoError(t, err)
	first := users.readCount()

	_, err = r.ResolveUpline(context.Background(), buyer, 3)
	require.NoError(t, err)
	assert.Equal(t, first, users.readCount(), "second walk should be served from cache")
}

func TestInvalidateRefreshesUpline(t *testing.T) {
	users := newFakeUsers()
	oldParent := users.add(models.RankStar1, nil)
	newParent := users.add(models.RankStar4, nil)
	buyer := users.add(models.RankNormal, ptr(oldParent))

	r, _ := newResolver(users)
	upline, err := r.ResolveUpline(context.Background(), buyer, 3)
	require.NoError(t, err)
	assert.Equal(t, oldParent, upline[0].UserID)

	users.set(models.User{
		BaseModel:    models.BaseModel{ID: buyer},
		Rank:         models.RankNormal,
		ParentID:     ptr(newParent),
		AncestorPath: []string{newParent.String()},
	})
	r.Invalidate(buyer)

	upline, err = r.ResolveUpline(context.Background(), buyer, 3)
	require.NoError(t, err)
	assert.Equal(t, []Member{{UserID: newParent, Rank: models.RankStar4}}, upline)
}

func TestStaleCacheCycleIsRecheckedAgainstStore(t *testing.T) {
	users := newFakeUsers()
	a := users.add(models.RankVIP, nil)
	b := users.add(models.RankVIP, ptr(a))

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), b, 3)
	require.NoError(t, err)

	// a is re-parented under c; the cache still holds b -> a, store has no cycle.
	c := users.add(models.RankStar5, nil)
	users.set(models.User{BaseModel: models.BaseModel{ID: a}, Rank: models.RankVIP, ParentID: ptr(c), AncestorPath: []string{c.String()}})
	r.cache.Put(cacheKey(a), Node{ID: a, Rank: models.RankVIP, ParentID: ptr(b)}, 0)

	upline, err := r.ResolveUpline(context.Background(), b, 3)
	require.NoError(t, err)
	assert.Equal(t, []Member{{UserID: a, Rank: models.RankVIP}, {UserID: c, Rank: models.RankStar5}}, upline)
}

func TestResolveUplinePropagatesStoreErrors(t *testing.T) {
	users := newFakeUsers()
	buyer := users.add(models.RankNormal, nil)
	users.err = errors.New("connection reset")

	r, _ := newResolver(users)
	_, err := r.ResolveUpline(context.Background(), buyer, 3)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserNotFound)
}
