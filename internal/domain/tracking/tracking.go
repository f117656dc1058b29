// Package tracking holds the bounded tracked-set policy: which identities the
// periodic sweep refreshes, and which one to evict when the set is full.
package tracking

import (
	"errors"
	"sort"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
)

// DefaultCapacity bounds the tracked set.
const DefaultCapacity = 200

// ErrFull is returned when the set is full and every member is pinned.
var ErrFull = errors.New("tracked set is full of pinned members")

// Policy applies track, untrack and touch operations to a member list. It
// holds no state; callers load the list, apply, and persist the result
// atomically.
type Policy struct {
	capacity int
}

// Option configures a Policy.
type Option func(*Policy)

// WithCapacity sets the maximum number of members. Values below one are ignored.
func WithCapacity(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// NewPolicy creates a Policy with the default capacity.
func NewPolicy(opts ...Option) *Policy {
	p := &Policy{capacity: DefaultCapacity}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Capacity returns the configured bound.
func (p *Policy) Capacity() int { return p.capacity }

// Change describes the effect of a policy operation.
type Change struct {
	Members []model.Member
	// Added is true when the identity was not a member before.
	Added bool
	// Evicted holds the identity removed to make room, if any.
	Evicted int64
	// Changed is false when the operation left the set as it was.
	Changed bool
}

// Track inserts fid, or refreshes it if already present. pin only ever
// raises the pinned flag; use Unpin to lower it. When the set is full the
// least recently referenced unpinned member is evicted.
func (p *Policy) Track(members []model.Member, fid int64, pin bool, now time.Time) (Change, error) {
	if err := model.ValidateFID(fid); err != nil {
		return Change{}, err
	}
	out := clone(members)

	if i := indexOf(out, fid); i >= 0 {
		out[i].LastViewedAt = now
		if pin {
			out[i].Pinned = true
		}
		return Change{Members: out, Changed: true}, nil
	}

	var evicted int64
	if len(out) >= p.capacity {
		victim := oldestUnpinned(out)
		if victim < 0 {
			return Change{Members: clone(members)}, ErrFull
		}
		evicted = out[victim].FID
		out = append(out[:victim], out[victim+1:]...)
	}
	out = append(out, model.Member{FID: fid, Pinned: pin, TrackedAt: now, LastViewedAt: now})
	return Change{Members: out, Added: true, Evicted: evicted, Changed: true}, nil
}

// Untrack removes fid, pinned or not.
func (p *Policy) Untrack(members []model.Member, fid int64) Change {
	out := clone(members)
	i := indexOf(out, fid)
	if i < 0 {
		return Change{Members: out}
	}
	out = append(out[:i], out[i+1:]...)
	return Change{Members: out, Changed: true}
}

// Unpin clears the pinned flag, leaving the member eligible for eviction.
func (p *Policy) Unpin(members []model.Member, fid int64) Change {
	out := clone(members)
	i := indexOf(out, fid)
	if i < 0 || !out[i].Pinned {
		return Change{Members: out}
	}
	out[i].Pinned = false
	return Change{Members: out, Changed: true}
}

// Touch records a view of fid. Members that are not tracked are left alone.
func (p *Policy) Touch(members []model.Member, fid int64, now time.Time) Change {
	out := clone(members)
	i := indexOf(out, fid)
	if i < 0 {
		return Change{Members: out}
	}
	out[i].LastViewedAt = now
	return Change{Members: out, Changed: true}
}

// Order sorts members for listing and sweeping: pinned first, then most
// recently referenced first, then by identity.
func Order(members []model.Member) []model.Member {
	out := clone(members)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Pinned != out[j].Pinned {
			return out[i].Pinned
		}
		ri, rj := out[i].Recency(), out[j].Recency()
		if !ri.Equal(rj) {
			return ri.After(rj)
		}
		return out[i].FID < out[j].FID
	})
	return out
}

// IDs returns the identities of members in order.
func IDs(members []model.Member) []int64 {
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.FID
	}
	return ids
}

func oldestUnpinned(members []model.Member) int {
	victim := -1
	for i, m := range members {
		if m.Pinned {
			continue
		}
		if victim < 0 {
			victim = i
			continue
		}
		v := members[victim]
		if m.Recency().Before(v.Recency()) ||
			(m.Recency().Equal(v.Recency()) && m.TrackedAt.Before(v.TrackedAt)) {
			victim = i
		}
	}
	return victim
}

func indexOf(members []model.Member, fid int64) int {
	for i, m := range members {
		if m.FID == fid {
			return i
		}
	}
	return -1
}

func clone(members []model.Member) []model.Member {
	out := make([]model.Member, len(members))
	copy(out, members)
	return out
}
