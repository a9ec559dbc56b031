package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/pulsed/version"
)

// LeaderResponse is the body of GET /api/leader
type LeaderResponse struct {
	Role  string `json:"role"`
	Token string `json:"token"`
	Owner string `json:"owner,omitempty"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status    string        `json:"status"`
	Version   string        `json:"version"`
	Commit    string        `json:"commit"`
	Role      string        `json:"role,omitempty"`
	Uptime    string        `json:"uptime"`
	Clients   int32         `json:"ws_clients"`
	Memory    *MemoryStatus `json:"memory,omitempty"`
	HeapAlloc uint64        `json:"heap_alloc_bytes"`
}

// MemoryStatus is host memory as reported by gopsutil
type MemoryStatus struct {
	TotalBytes     uint64  `json:"total_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	if s.deps.Leader == nil {
		writeError(w, http.StatusServiceUnavailable, "leader election is not running")
		return
	}
	_ = writeJSON(w, http.StatusOK, LeaderResponse{
		Role:  s.deps.Leader.Role().String(),
		Token: s.deps.Leader.TokenPrefix(),
		Owner: s.deps.Leader.Owner(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	health := HealthResponse{
		Status:    "ok",
		Version:   info.Version,
		Commit:    info.Short(),
		Uptime:    s.now().Sub(s.started).Truncate(time.Second).String(),
		Clients:   s.clients.Load(),
		HeapAlloc: ms.HeapAlloc,
	}
	if s.deps.Leader != nil {
		health.Role = s.deps.Leader.Role().String()
	}
	// Host memory is informational; a failed probe does not fail the check
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		health.Memory = &MemoryStatus{
			TotalBytes:     vm.Total,
			AvailableBytes: vm.Available,
			UsedPercent:    vm.UsedPercent,
		}
	} else {
		s.log.Debugw("Host memory probe failed", "error", err)
	}

	_ = writeJSON(w, http.StatusOK, health)
}
