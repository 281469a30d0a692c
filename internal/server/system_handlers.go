package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var serverStart = time.Now()

// handleSystemStatus reports process, host and store health in one payload.
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"uptime_seconds": time.Since(serverStart).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
	}

	// CPU sampled over 100ms so the endpoint stays fast.
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		status["cpu_percent"] = cpuPercent[0]
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		status["memory"] = map[string]any{
			"total_bytes":  memStat.Total,
			"used_bytes":   memStat.Used,
			"used_percent": memStat.UsedPercent,
		}
	} else {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	}

	if diskStat, err := disk.Usage(s.cfg.Cfg.DataDir); err == nil {
		status["disk"] = map[string]any{
			"path":         diskStat.Path,
			"total_bytes":  diskStat.Total,
			"free_bytes":   diskStat.Free,
			"used_percent": diskStat.UsedPercent,
		}
	} else {
		s.log.Warn().Err(err).Msg("Failed to get disk usage")
	}

	dbHealthy := true
	if err := s.cfg.DB.QuickCheck(r.Context()); err != nil {
		dbHealthy = false
		status["database_error"] = err.Error()
	}
	status["database_healthy"] = dbHealthy

	writeJSON(w, http.StatusOK, status)
}

// handleDatabaseStats reports SQLite file sizes and per-table row counts.
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.DB.GetStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	counts, err := s.cfg.DB.TableCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"size_bytes":     stats.SizeBytes,
		"wal_size_bytes": stats.WALSizeBytes,
		"page_count":     stats.PageCount,
		"page_size":      stats.PageSize,
		"freelist_count": stats.FreelistCount,
		"table_counts":   counts,
	})
}
