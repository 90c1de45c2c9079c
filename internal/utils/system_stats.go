package utils

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"face-gallery-go/internal/capture"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	log "github.com/sirupsen/logrus"
)

var (
	lastCPUTime        time.Time
	lastCPUUsage       float64
	cpuUsageMutex      sync.Mutex
	cpuUsageSampleRate = 500 * time.Millisecond
)

// SystemStats enthält aktuelle System- und Anwendungsstatistiken
type SystemStats struct {
	NumCPU      int     `json:"num_cpu"`
	GoRoutines  int     `json:"go_routines"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  float64 `json:"memory_used_percent"`
	MemoryAlloc uint64  `json:"memory_alloc"`
	MemorySys   uint64  `json:"memory_sys"`

	// Live-Monitor
	Monitor *capture.Stats `json:"monitor,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// MonitorStats liefert die Zähler des Live-Monitors
type MonitorStats interface {
	Stats() capture.Stats
}

// FormatBytes formatiert Bytes in lesbare Einheiten (KB, MB, GB)
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d Bytes", bytes)
	}
}

// GetCPUUsage misst die CPU-Auslastung, höchstens alle 500ms neu
func GetCPUUsage() float64 {
	cpuUsageMutex.Lock()
	defer cpuUsageMutex.Unlock()

	if !lastCPUTime.IsZero() && time.Since(lastCPUTime) < cpuUsageSampleRate {
		return lastCPUUsage
	}

	percentages, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		log.Warnf("Fehler bei CPU-Auslastungsmessung: %v", err)
		return 0.0
	}

	var usage float64
	if len(percentages) > 0 {
		usage = percentages[0]
	}

	lastCPUTime = time.Now()
	lastCPUUsage = usage
	return usage
}

// GetSystemStats erfasst aktuelle System- und Anwendungsstatistiken
func GetSystemStats(monitor MonitorStats) *SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := &SystemStats{
		NumCPU:      runtime.NumCPU(),
		GoRoutines:  runtime.NumGoroutine(),
		CPUUsage:    GetCPUUsage(),
		MemoryAlloc: memStats.Alloc,
		MemorySys:   memStats.Sys,
		Timestamp:   time.Now(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryTotal = vm.Total
		stats.MemoryUsed = vm.UsedPercent
	} else {
		log.Debugf("Speicherstatistik nicht verfügbar: %v", err)
	}

	if monitor != nil {
		ms := monitor.Stats()
		stats.Monitor = &ms
	}
	return stats
}
