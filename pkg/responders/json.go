package responders

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// JSON writes an application/json response with status code and payload.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

// JSONCached writes a JSON response with a public Cache-Control header.
// Status lookups use short max-ages while items are in flight and long ones
// once they are permanent.
func JSONCached(w http.ResponseWriter, status int, maxAge time.Duration, payload any) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(maxAge.Seconds())))
	JSON(w, status, payload)
}
