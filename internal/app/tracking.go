package service

import (
	"context"

	"github.com/okian/fidscore/internal/domain/model"
	"github.com/okian/fidscore/pkg/logger"
)

// TrackState is the membership of one identity after a track request.
type TrackState struct {
	FID     int64 `json:"fid"`
	Tracked bool  `json:"tracked"`
	Pinned  bool  `json:"pinned"`
	Evicted int64 `json:"evicted,omitempty"`
}

// Track adds fid to the tracked set or removes it. A nil pinned leaves the
// pinned flag of an existing member unchanged.
func (s *Service) Track(ctx context.Context, fid int64, enabled bool, pinned *bool) (TrackState, error) {
	if err := model.ValidateFID(fid); err != nil {
		return TrackState{}, err
	}

	if !enabled {
		removed, err := s.store.Untrack(ctx, fid)
		if err != nil {
			return TrackState{}, err
		}
		if removed {
			s.logger.Info(ctx, "identity untracked", logger.Int64("fid", fid))
		}
		return TrackState{FID: fid}, nil
	}

	pin := pinned != nil && *pinned
	res, err := s.store.Track(ctx, fid, pin)
	if err != nil {
		return TrackState{}, err
	}
	state := TrackState{
		FID:     fid,
		Tracked: true,
		Pinned:  res.Member.Pinned,
		Evicted: res.Evicted,
	}
	if pinned != nil && !*pinned && res.Member.Pinned {
		if err := s.store.Unpin(ctx, fid); err != nil {
			return TrackState{}, err
		}
		state.Pinned = false
	}
	return state, nil
}

// Tracked lists the tracked set, pinned first, then most recently viewed.
func (s *Service) Tracked(ctx context.Context) ([]model.Member, error) {
	members, err := s.store.Tracked(ctx)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []model.Member{}
	}
	return members, nil
}
