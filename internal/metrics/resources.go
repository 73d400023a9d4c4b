package metrics

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	serviceCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the supervised service process.",
		}, []string{"service"},
	)
	serviceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of the supervised service process.",
		}, []string{"service"},
	)
	serviceNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "num_threads",
			Help:      "Thread count of the supervised service process.",
		}, []string{"service"},
	)
)

// ResourceSample holds CPU and memory figures for one process at one time.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceSampler keeps a bounded ring of samples for the supervised service.
type ResourceSampler struct {
	service string
	max     int

	mu      sync.RWMutex
	samples []ResourceSample
	start   int
	count   int
}

func NewResourceSampler(service string, maxHistory int) *ResourceSampler {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &ResourceSampler{service: service, max: maxHistory, samples: make([]ResourceSample, maxHistory)}
}

// Sample reads the process figures for pid and records them. A pid <= 0
// clears the gauges, as the service is not running.
func (s *ResourceSampler) Sample(pid int) (ResourceSample, error) {
	if pid <= 0 {
		s.clear()
		return ResourceSample{}, fmt.Errorf("service %s not running", s.service)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		s.clear()
		return ResourceSample{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, _ := proc.CPUPercent()
	threads, _ := proc.NumThreads()
	smp := ResourceSample{
		PID:        int32(pid),
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			smp.NumFDs = fds
		}
	}
	s.add(smp)
	if regOK.Load() {
		serviceCPUPercent.WithLabelValues(s.service).Set(smp.CPUPercent)
		serviceMemoryMB.WithLabelValues(s.service).Set(smp.MemoryMB)
		serviceNumThreads.WithLabelValues(s.service).Set(float64(smp.NumThreads))
	}
	return smp, nil
}

func (s *ResourceSampler) add(smp ResourceSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.start + s.count) % s.max
	s.samples[idx] = smp
	if s.count < s.max {
		s.count++
	} else {
		s.start = (s.start + 1) % s.max
	}
}

// History returns the retained samples, oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceSample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.samples[(s.start+i)%s.max]
	}
	return out
}

// Latest returns the newest sample, if any.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return ResourceSample{}, false
	}
	return s.samples[(s.start+s.count-1)%s.max], true
}

func (s *ResourceSampler) clear() {
	if regOK.Load() {
		serviceCPUPercent.DeleteLabelValues(s.service)
		serviceMemoryMB.DeleteLabelValues(s.service)
		serviceNumThreads.DeleteLabelValues(s.service)
	}
}
