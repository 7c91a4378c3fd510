package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"
)

const healthTimeout = 3 * time.Second

// Health handles GET /api/health by pinging every registered dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", "dependency", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]any{"status": overall, "checks": checks})
}

type sourceInfo struct {
	Module     string `json:"module"`
	Version    string `json:"version"`
	GoVersion  string `json:"goVersion"`
	Revision   string `json:"revision,omitempty"`
	CommitTime string `json:"commitTime,omitempty"`
	Modified   bool   `json:"modified"`
	Source     string `json:"source"`
	License    string `json:"license"`
}

// Source handles GET /api/chat/source with build provenance. The source
// URL is also sent as X-Source-URL.
func (h *Handler) Source(w http.ResponseWriter, _ *http.Request) {
	info := sourceInfo{
		Module:  "unknown",
		Version: "(devel)",
		Source:  h.sourceURL,
		License: "AGPL-3.0-or-later",
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info.Module = bi.Main.Path
		if bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
		info.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				info.Revision = s.Value
			case "vcs.time":
				info.CommitTime = s.Value
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	w.Header().Set("X-Source-URL", h.sourceURL)
	JSON(w, http.StatusOK, info)
}
