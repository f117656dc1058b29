package scoring

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/okian/fidscore/internal/domain/model"
)

// Simulated source defaults.
const (
	defaultMinLatency = 20 * time.Millisecond
	defaultMaxLatency = 60 * time.Millisecond
	defaultRandomSeed = 42
	defaultDrift      = 0.01
)

// SimulatedOption configures a SimulatedSource.
type SimulatedOption func(*SimulatedSource)

// WithLatencyRange sets the simulated latency range.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimulatedOption {
	return func(s *SimulatedSource) {
		if minLatency >= 0 && maxLatency > minLatency {
			s.minLatency = minLatency
			s.maxLatency = maxLatency
		}
	}
}

// WithSeed sets the random seed used for drift and latency.
func WithSeed(seed int64) SimulatedOption {
	return func(s *SimulatedSource) {
		s.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // deterministic simulation
	}
}

// WithDrift sets the maximum per-lookup drift applied to the base score.
func WithDrift(d float64) SimulatedOption {
	return func(s *SimulatedSource) {
		if d >= 0 {
			s.drift = d
		}
	}
}

// WithUnknown marks identities the simulated source has never heard of.
func WithUnknown(fids ...int64) SimulatedOption {
	return func(s *SimulatedSource) {
		for _, fid := range fids {
			s.unknown[fid] = struct{}{}
		}
	}
}

// WithMicroUnits makes the source report raw values in millionths.
func WithMicroUnits() SimulatedOption {
	return func(s *SimulatedSource) { s.micro = true }
}

// SimulatedSource stands in for the real scoring API in development. Each
// identity gets a stable base score derived from its id; every lookup adds
// a small random drift and waits for a simulated network latency.
type SimulatedSource struct {
	minLatency time.Duration
	maxLatency time.Duration
	drift      float64
	micro      bool
	unknown    map[int64]struct{}

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedSource creates a deterministic simulated source.
func NewSimulatedSource(opts ...SimulatedOption) *SimulatedSource {
	s := &SimulatedSource{
		minLatency: defaultMinLatency,
		maxLatency: defaultMaxLatency,
		drift:      defaultDrift,
		unknown:    make(map[int64]struct{}),
		rng:        rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic simulation
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup implements Source.
func (s *SimulatedSource) Lookup(ctx context.Context, fids []int64) (map[int64]Record, error) {
	if len(fids) > MaxBatch {
		return nil, NewError(ErrUpstreamUnavailable, fmt.Errorf("batch of %d exceeds %d", len(fids), MaxBatch))
	}

	s.mu.Lock()
	latency := s.minLatency
	if span := int64(s.maxLatency - s.minLatency); span > 0 {
		latency += time.Duration(s.rng.Int63n(span))
	}
	drifts := make([]float64, len(fids))
	for i := range drifts {
		drifts[i] = (s.rng.Float64()*2 - 1) * s.drift
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, NewError(ErrUpstreamUnavailable, ctx.Err())
	case <-time.After(latency):
	}

	out := make(map[int64]Record, len(fids))
	for i, fid := range fids {
		if _, gone := s.unknown[fid]; gone {
			continue
		}
		score := min(1, max(0, BaseScore(fid)+drifts[i]))
		var raw any = score
		if s.micro {
			raw = int64(score * microScale)
		}
		out[fid] = Record{
			FID: fid,
			Raw: raw,
			Profile: model.Profile{
				Username:    "fid" + strconv.FormatInt(fid, 10),
				DisplayName: "Simulated " + strconv.FormatInt(fid, 10),
			},
		}
	}
	return out, nil
}

// BaseScore is the stable score the simulated source centers on for fid.
func BaseScore(fid int64) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strconv.FormatInt(fid, 10)))
	return float64(h.Sum64()%10_000) / 10_000
}
