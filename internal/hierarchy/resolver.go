// internal/hierarchy/resolver.go
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/cache"
	"github.com/javajoker/imi-commission/internal/models"
)

// MaxDepthLimit bounds every walk regardless of the requested depth.
const MaxDepthLimit = 64

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrCorruptHierarchy = errors.New("corrupt hierarchy")
)

// UserStore is the authoritative user/hierarchy source. GetUser returns an
// error wrapping ErrUserNotFound for unknown ids.
type UserStore interface {
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Member is one upline entry, nearest ancestor first.
type Member struct {
	UserID uuid.UUID   `json:"user_id"`
	Rank   models.Rank `json:"rank"`
}

// Node is the cached projection of a user.
type Node struct {
	ID       uuid.UUID
	Rank     models.Rank
	ParentID *uuid.UUID
	PathLen  int
	PathTail string
}

func nodeFromUser(u *models.User) Node {
	n := Node{ID: u.ID, Rank: u.Rank, ParentID: u.ParentID, PathLen: len(u.AncestorPath)}
	if n.PathLen > 0 {
		n.PathTail = u.AncestorPath[n.PathLen-1]
	}
	return n
}

func (n Node) consistent() bool {
	if n.PathLen == 0 {
		return true
	}
	if n.PathLen > MaxDepthLimit || n.ParentID == nil {
		return false
	}
	return n.PathTail == n.ParentID.String()
}

type Resolver struct {
	store   UserStore
	cache   *cache.Cache[Node]
	ttl     time.Duration
	timeout time.Duration
	logger  logrus.FieldLogger
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Resolver) { r.logger = l }
}

func NewResolver(store UserStore, c *cache.Cache[Node], opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		cache:   c,
		ttl:     5 * time.Minute,
		timeout: 2 * time.Second,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveUpline returns up to maxDepth ancestors of userID, nearest first.
// A missing ancestor ends the chain at the known prefix; a revisited node or
// an inconsistent ancestor path fails with ErrCorruptHierarchy.
func (r *Resolver) ResolveUpline(ctx context.Context, userID uuid.UUID, maxDepth int) ([]Member, error) {
	upline, err := r.walk(ctx, userID, maxDepth, true)
	if errors.Is(err, ErrCorruptHierarchy) && r.cache != nil {
		// Cached nodes may predate a re-parenting; only a fresh read may condemn the tree.
		upline, err = r.walk(ctx, userID, maxDepth, false)
	}
	return upline, err
}

// Buyer returns the user's own node, used to key rates by buyer rank.
func (r *Resolver) Buyer(ctx context.Context, userID uuid.UUID) (Node, error) {
	return r.lookup(ctx, userID, true)
}

func (r *Resolver) walk(ctx context.Context, userID uuid.UUID, maxDepth int, useCache bool) ([]Member, error) {
	if maxDepth > MaxDepthLimit {
		maxDepth = MaxDepthLimit
	}

	current, err := r.lookup(ctx, userID, useCache)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]struct{}{current.ID: {}}
	upline := make([]Member, 0, max(maxDepth, 0))

	for len(upline) < maxDepth && current.ParentID != nil {
		if !current.consistent() {
			return nil, fmt.Errorf("%w: ancestor path of %s does not end at parent %s", ErrCorruptHierarchy, current.ID, current.ParentID)
		}
		parentID := *current.ParentID
		if _, seen := visited[parentID]; seen {
			return nil, fmt.Errorf("%w: cycle at %s reached from %s", ErrCorruptHierarchy, parentID, current.ID)
		}

		parent, err := r.lookup(ctx, parentID, useCache)
		if errors.Is(err, ErrUserNotFound) {
			r.logger.WithFields(logrus.Fields{
				"user_id":   userID,
				"broken_at": current.ID,
				"parent_id": parentID,
				"resolved":  len(upline),
			}).Warn("Upline link points to a missing user, stopping at known prefix")
			break
		}
		if err != nil {
			return nil, err
		}

		visited[parentID] = struct{}{}
		upline = append(upline, Member{UserID: parent.ID, Rank: parent.Rank})
		current = parent
	}

	return upline, nil
}

func (r *Resolver) lookup(ctx context.Context, id uuid.UUID, useCache bool) (Node, error) {
	key := cacheKey(id)
	if useCache && r.cache != nil {
		if n, ok := r.cache.Get(key); ok {
			return n, nil
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	u, err := r.store.GetUser(lookupCtx, id)
	if err != nil {
		return Node{}, fmt.Errorf("get user %s: %w", id, err)
	}
	if !u.Rank.Valid() {
		return Node{}, fmt.Errorf("%w: user %s has unknown rank %q", ErrCorruptHierarchy, id, u.Rank)
	}

	n := nodeFromUser(u)
	if r.cache != nil {
		r.cache.Put(key, n, r.ttl)
	}
	return n, nil
}

// Invalidate drops a user's cached node; call it when the upline or rank changes.
func (r *Resolver) Invalidate(userID uuid.UUID) {
	if r.cache != nil {
		r.cache.Invalidate(cacheKey(userID))
	}
}

func (r *Resolver) InvalidateAll() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

func cacheKey(id uuid.UUID) string {
	return "user:" + id.String()
}
