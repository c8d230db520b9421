package api

import (
	"fmt"
	"net/http"
	"strconv"
)

const avatarTemplate = `<svg xmlns="http://www.w3.org/2000/svg" width="64" height="64" viewBox="0 0 64 64">` +
	`<rect width="64" height="64" fill="hsl(%d,55%%,55%%)"/>` +
	`<circle cx="32" cy="26" r="12" fill="hsl(%d,60%%,85%%)"/>` +
	`<rect x="14" y="42" width="36" height="22" rx="11" fill="hsl(%d,60%%,85%%)"/></svg>`

// anonymousAvatar renders the avatar of an anonymous identity. The colors only depend on the seed.
func (s *Server) anonymousAvatar(w http.ResponseWriter, r *http.Request) {
	seed, err := strconv.ParseUint(r.URL.Query().Get("seed"), 16, 64)
	if err != nil {
		seed = 0
	}
	hue := int(seed % 360)
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = fmt.Fprintf(w, avatarTemplate, hue, (hue+180)%360, (hue+180)%360)
}
