package server

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/billmoling/allocator/internal/database"
	"github.com/billmoling/allocator/internal/modules/allocation"
	"github.com/billmoling/allocator/internal/scheduler"
)

// JobScheduler lists the registered jobs and runs them on demand
type JobScheduler interface {
	Entries() []scheduler.EntryInfo
	RunNow(job scheduler.Job) error
}

// AllocationStatusProvider reports the allocation builder state
type AllocationStatusProvider interface {
	Status() allocation.Status
}

// SystemHandlers handles system-wide monitoring and job endpoints
type SystemHandlers struct {
	log        zerolog.Logger
	dataDir    string
	databases  []*database.DB
	scheduler  JobScheduler
	jobs       map[string]scheduler.Job
	allocation AllocationStatusProvider
	startedAt  time.Time

	mu      sync.Mutex
	running map[string]bool
}

// NewSystemHandlers creates a new system handlers instance
func NewSystemHandlers(
	log zerolog.Logger,
	dataDir string,
	databases []*database.DB,
	jobScheduler JobScheduler,
	jobs map[string]scheduler.Job,
	allocationStatus AllocationStatusProvider,
) *SystemHandlers {
	return &SystemHandlers{
		log:        log.With().Str("handler", "system").Logger(),
		dataDir:    dataDir,
		databases:  databases,
		scheduler:  jobScheduler,
		jobs:       jobs,
		allocation: allocationStatus,
		startedAt:  time.Now(),
		running:    make(map[string]bool),
	}
}

// SystemStatusResponse represents the system status
type SystemStatusResponse struct {
	Status        string            `json:"status"` // "healthy" or "degraded"
	UptimeSeconds int64             `json:"uptime_seconds"`
	Goroutines    int               `json:"goroutines"`
	CPUPercent    float64           `json:"cpu_percent"`
	MemoryPercent float64           `json:"memory_percent"`
	DataDirMB     float64           `json:"data_dir_mb"`
	Databases     []database.Stats  `json:"databases"`
	Allocation    allocation.Status `json:"allocation"`
}

// JobsStatusResponse lists the scheduled jobs
type JobsStatusResponse struct {
	Jobs []scheduler.EntryInfo `json:"jobs"`
}

// HandleSystemStatus handles GET /api/system/status
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		DataDirMB:     getDirSize(h.dataDir),
		Databases:     make([]database.Stats, 0, len(h.databases)),
	}

	for _, db := range h.databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Database quick check failed")
			response.Status = "degraded"
		}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to get database stats")
			continue
		}
		response.Databases = append(response.Databases, *stats)
	}

	if h.allocation != nil {
		response.Allocation = h.allocation.Status()
	}

	writeJSON(h.log, w, http.StatusOK, response)
}

// HandleJobsStatus handles GET /api/system/jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	response := JobsStatusResponse{Jobs: []scheduler.EntryInfo{}}
	if h.scheduler != nil {
		response.Jobs = h.scheduler.Entries()
	}
	writeJSON(h.log, w, http.StatusOK, response)
}

// HandleRunJob handles POST /api/system/jobs/{name}/run. The job runs to
// completion before the response is written.
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request, name string) {
	job, ok := h.jobs[name]
	if !ok {
		writeError(h.log, w, http.StatusNotFound, "unknown job: "+name)
		return
	}

	h.mu.Lock()
	if h.running[name] {
		h.mu.Unlock()
		writeError(h.log, w, http.StatusConflict, "job already running: "+name)
		return
	}
	h.running[name] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.running, name)
		h.mu.Unlock()
	}()

	h.log.Info().Str("job", name).Msg("Manually triggered job")
	start := time.Now()
	run := job.Run
	if h.scheduler != nil {
		run = func() error { return h.scheduler.RunNow(job) }
	}
	if err := run(); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("Manually triggered job failed")
		writeError(h.log, w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(h.log, w, http.StatusOK, map[string]interface{}{
		"status":      "completed",
		"job":         name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// getSystemStats returns CPU and RAM usage percentages. CPU is sampled over
// 100ms to keep the endpoint responsive.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

// getDirSize returns the total size of regular files under dir in MB
func getDirSize(dir string) float64 {
	if dir == "" {
		return 0
	}
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / 1024 / 1024
}
