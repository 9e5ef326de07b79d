package transfer

import (
	"math/rand"

	"zombiefile/internal/core/ports"
)

// SizerConfig bounds the chunk sizes chosen by the sender.
type SizerConfig struct {
	TargetBuffer int
	MinChunk     int
	MaxChunk     int
	// Randomize picks a uniform size in [MinChunk, limit] instead of the
	// limit itself, so the send pattern is not periodic.
	Randomize bool
	// UseBandwidth caps chunks at half a second's worth of the measured
	// outgoing bitrate.
	UseBandwidth     bool
	DefaultBandwidth float64
}

func DefaultSizerConfig() SizerConfig {
	return SizerConfig{
		TargetBuffer:     75000,
		MinChunk:         10000,
		MaxChunk:         100000,
		Randomize:        true,
		DefaultBandwidth: 1_000_000,
	}
}

func BandwidthSizerConfig() SizerConfig {
	return SizerConfig{
		TargetBuffer:     60000,
		MinChunk:         10000,
		MaxChunk:         160000,
		UseBandwidth:     true,
		DefaultBandwidth: 1_000_000,
	}
}

type Sizer struct {
	cfg       SizerConfig
	estimator ports.BandwidthEstimator
	intN      func(n int) int
	ceiling   int
}

func NewSizer(cfg SizerConfig, estimator ports.BandwidthEstimator) *Sizer {
	return &Sizer{cfg: cfg, estimator: estimator, intN: rand.Intn}
}

// LowThreshold is the buffered amount at or below which a minimum chunk fits.
func (s *Sizer) LowThreshold() uint64 {
	if s.cfg.TargetBuffer <= s.cfg.MinChunk {
		return 0
	}
	return uint64(s.cfg.TargetBuffer - s.cfg.MinChunk)
}

// SetCeiling caps every chunk at n bytes whatever the headroom. Zero removes
// the cap.
func (s *Sizer) SetCeiling(n int) {
	s.ceiling = n
}

// Next returns the size of the next chunk given the channel's buffered amount
// and the bytes left in the file. ok is false when the sender must wait for
// the buffer to drain.
func (s *Sizer) Next(buffered uint64, remaining int) (size int, ok bool) {
	if remaining <= 0 {
		return 0, false
	}
	if buffered >= uint64(s.cfg.TargetBuffer) {
		return 0, false
	}
	headroom := s.cfg.TargetBuffer - int(buffered)
	if headroom < s.cfg.MinChunk {
		return 0, false
	}

	limit := min(headroom, s.cfg.MaxChunk, remaining)
	if s.ceiling > 0 {
		limit = min(limit, s.ceiling)
	}

	if s.cfg.UseBandwidth {
		return min(max(int(s.bandwidth()/8/2), s.cfg.MinChunk), limit), true
	}
	if s.cfg.Randomize && limit > s.cfg.MinChunk {
		return s.cfg.MinChunk + s.intN(limit-s.cfg.MinChunk+1), true
	}
	return limit, true
}

func (s *Sizer) bandwidth() float64 {
	if s.estimator != nil {
		if bps, ok := s.estimator.AvailableOutgoingBitrate(); ok && bps > 0 {
			return bps
		}
	}
	return s.cfg.DefaultBandwidth
}
