package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/otcplatform/sentinel-otc/internal/di"
)

// SystemHandler reports process-level health: uptime, host resource use,
// and the live subscriber/connection counts the admin dashboard polls.
type SystemHandler struct {
	container   *di.Container
	log         zerolog.Logger
	startupTime time.Time
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(container *di.Container, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		container:   container,
		log:         log.With().Str("component", "system_handler").Logger(),
		startupTime: time.Now(),
	}
}

type systemStatusResponse struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryPercent   float64 `json:"memory_percent"`
	WSSubscribers   int     `json:"ws_subscribers"`
}

// HandleStatus handles GET /api/system/status.
func (h *SystemHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	cpuAvg, memPercent := h.resourceUsage()

	writeJSON(h.log, w, http.StatusOK, systemStatusResponse{
		UptimeSeconds: time.Since(h.startupTime).Seconds(),
		CPUPercent:    cpuAvg,
		MemoryPercent: memPercent,
		WSSubscribers: h.container.Bus.SubscriberCount(),
	})
}

func (h *SystemHandler) resourceUsage() (cpuPercent, memPercent float64) {
	cpuPercents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read cpu percentage")
		cpuPercents = []float64{0}
	}
	if len(cpuPercents) > 0 {
		cpuPercent = cpuPercents[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to read memory statistics")
		return cpuPercent, 0
	}
	return cpuPercent, memStat.UsedPercent
}
