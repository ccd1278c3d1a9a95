package handlers

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/droppr/mediaedge/internal/analytics"
	"github.com/droppr/mediaedge/internal/cache"
)

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
	events    *analytics.Store
	caches    map[string]*cache.DiskCache
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(version string, events *analytics.Store, caches map[string]*cache.DiskCache) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		events:    events,
		caches:    caches,
	}
}

// CPUInfo reports system load.
type CPUInfo struct {
	Cores     int     `json:"cores"`
	Load1Min  float64 `json:"load1Min"`
	Load5Min  float64 `json:"load5Min"`
	Load15Min float64 `json:"load15Min"`
}

// MemoryInfo reports system and process memory in MB.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"totalMemoryMB"`
	UsedMemoryMB      float64 `json:"usedMemoryMB"`
	AvailableMemoryMB float64 `json:"availableMemoryMB"`
	ProcessMB         float64 `json:"processMB"`
	ChildProcessCount int     `json:"childProcessCount"`
}

// CacheInfo reports one artifact directory.
type CacheInfo struct {
	Dir       string  `json:"dir"`
	Artifacts int     `json:"artifacts"`
	SizeMB    float64 `json:"sizeMB"`
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status        string               `json:"status"`
	Timestamp     string               `json:"timestamp"`
	Version       string               `json:"version"`
	Uptime        string               `json:"uptime"`
	UptimeSeconds float64              `json:"uptimeSeconds"`
	Analytics     string               `json:"analytics"`
	CPUInfo       CPUInfo              `json:"cpu"`
	Memory        MemoryInfo           `json:"memory"`
	Caches        map[string]CacheInfo `json:"caches"`
}

// HealthOutput wraps the response for huma.
type HealthOutput struct {
	Body HealthResponse
}

// Register mounts the health route.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health, system metrics, and cache statistics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth builds the health payload.
func (h *HealthHandler) GetHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	analyticsStatus := "disabled"
	if h.events.Enabled() {
		analyticsStatus = "ok"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        "healthy",
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			Analytics:     analyticsStatus,
			CPUInfo:       h.cpuInfo(),
			Memory:        h.memoryInfo(),
			Caches:        h.cacheInfo(),
		},
	}, nil
}

func (h *HealthHandler) cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
	}
	return info
}

func (h *HealthHandler) memoryInfo() MemoryInfo {
	info := MemoryInfo{}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vm.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vm.Available) / 1024 / 1024
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pm, err := proc.MemoryInfo(); err == nil && pm != nil {
			info.ProcessMB = float64(pm.RSS) / 1024 / 1024
		}
		// Children are the running encoder processes.
		if children, err := proc.Children(); err == nil {
			info.ChildProcessCount = len(children)
		}
	}
	return info
}

func (h *HealthHandler) cacheInfo() map[string]CacheInfo {
	out := make(map[string]CacheInfo, len(h.caches))
	for name, c := range h.caches {
		info := CacheInfo{Dir: c.Dir()}
		entries, err := os.ReadDir(c.Dir())
		if err == nil {
			for _, e := range entries {
				ext := filepath.Ext(e.Name())
				if ext == ".lock" || ext == ".tmp" {
					continue
				}
				info.Artifacts++
				if fi, err := e.Info(); err == nil {
					info.SizeMB += float64(fi.Size()) / 1024 / 1024
				}
			}
		}
		out[name] = info
	}
	return out
}
