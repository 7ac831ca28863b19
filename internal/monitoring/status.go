package monitoring

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// StatusSnapshot is the live-counter payload behind GET /api/status.
type StatusSnapshot struct {
	Connections    int64   `json:"connections"`
	UptimeSecs     float64 `json:"uptime_secs"`
	MemoryMB       float64 `json:"memory_mb"`
	CPUPercent     float64 `json:"cpu_percent"`
	NetRecvPerSec  float64 `json:"net_recv_bytes_per_sec"`
	NetSentPerSec  float64 `json:"net_sent_bytes_per_sec"`
	Goroutines     int     `json:"goroutines"`
	SampledAt      string  `json:"sampled_at"`
}

// StatusSampler periodically samples CPU and network counters via gopsutil
// so the status endpoint never blocks on a measurement.
type StatusSampler struct {
	logger    zerolog.Logger
	startTime time.Time

	mu         sync.RWMutex
	cpuPercent float64
	recvRate   float64
	sentRate   float64

	lastSample    time.Time
	lastBytesRecv uint64
	lastBytesSent uint64
}

func NewStatusSampler(logger zerolog.Logger) *StatusSampler {
	return &StatusSampler{
		logger:    logger.With().Str("component", "status_sampler").Logger(),
		startTime: time.Now(),
	}
}

// Run samples until the context is cancelled.
func (s *StatusSampler) Run(ctx context.Context, interval time.Duration) {
	defer RecoverPanic(s.logger, "status_sampler", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-ctx.Done():
			return
		}
	}
}

func (s *StatusSampler) sample() {
	now := time.Now()

	// Non-blocking CPU sample: interval 0 measures since the previous call.
	var cpuPercent float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPercent = percents[0]
	} else if err != nil {
		s.logger.Debug().Err(err).Msg("CPU sample failed")
	}

	var recvRate, sentRate float64
	counters, err := gopsnet.IOCounters(false)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Network counter sample failed")
	} else if len(counters) > 0 {
		if !s.lastSample.IsZero() {
			elapsed := now.Sub(s.lastSample).Seconds()
			if elapsed > 0 {
				recvRate = float64(counters[0].BytesRecv-s.lastBytesRecv) / elapsed
				sentRate = float64(counters[0].BytesSent-s.lastBytesSent) / elapsed
			}
		}
		s.lastBytesRecv = counters[0].BytesRecv
		s.lastBytesSent = counters[0].BytesSent
	}

	s.mu.Lock()
	if cpuPercent > 0 {
		// Exponential moving average keeps the reported value stable.
		if s.cpuPercent == 0 {
			s.cpuPercent = cpuPercent
		} else {
			s.cpuPercent = 0.3*cpuPercent + 0.7*s.cpuPercent
		}
	}
	s.recvRate = recvRate
	s.sentRate = sentRate
	s.lastSample = now
	s.mu.Unlock()
}

// Snapshot assembles the current status payload.
func (s *StatusSampler) Snapshot(connections int64) StatusSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return StatusSnapshot{
		Connections:   connections,
		UptimeSecs:    time.Since(s.startTime).Seconds(),
		MemoryMB:      float64(mem.HeapAlloc) / 1024 / 1024,
		CPUPercent:    s.cpuPercent,
		NetRecvPerSec: s.recvRate,
		NetSentPerSec: s.sentRate,
		Goroutines:    runtime.NumGoroutine(),
		SampledAt:     time.Now().UTC().Format(time.RFC3339),
	}
}
