package httpserver

import (
	"net/http"
	"time"

	"github.com/bundlepay/server/pkg/responders"
)

// ServiceVersion is reported by /v1/info and stamped onto log lines.
const ServiceVersion = "1.2.0"

// infoResponse is the GET /v1/info body: everything a client needs before
// its first upload.
type infoResponse struct {
	Version              string            `json:"version"`
	Addresses            map[string]string `json:"addresses"`
	Gateway              string            `json:"gateway"`
	Gateways             []string          `json:"gateways"`
	FreeUploadLimitBytes int64             `json:"freeUploadLimitBytes"`
}

// info handles GET /v1/info.
func (h *handlers) info(w http.ResponseWriter, r *http.Request) {
	addresses := map[string]string{}
	if h.walletAddress != "" {
		addresses["arweave"] = h.walletAddress
	}
	for _, n := range h.cfg.X402.Networks {
		if n.Enabled {
			addresses[n.Name] = n.PayTo
		}
	}

	resp := infoResponse{
		Version:              ServiceVersion,
		Addresses:            addresses,
		FreeUploadLimitBytes: h.cfg.Upload.FreeUploadLimitBytes,
	}
	if h.chain != nil {
		resp.Gateway = h.chain.PrimaryGateway()
		resp.Gateways = h.chain.Gateways()
	}

	responders.JSONCached(w, http.StatusOK, time.Minute, resp)
}

// health handles GET /health. Liveness only; dependency health is visible
// through metrics.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
