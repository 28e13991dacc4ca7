package httpserver

import (
	"net/http"
	"time"

	"github.com/framehaus/server/pkg/responders"
)

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version,omitempty"`
}

// Version is set at build time via -ldflags.
var Version = "dev"

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(serverStartTime).Seconds()),
		Version:       Version,
	})
}
