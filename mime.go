package evhttpd

import "strings"

// mimeTypes maps a file suffix to its Content-Type. This is the static
// lookup table spec.md §1 treats as an external collaborator, not a
// parser component; it is deliberately a plain map literal.
var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "text/xml",
	".txt":  "text/plain",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
	".mp4":  "video/mp4",
	".avi":  "video/x-msvideo",
	".pdf":  "application/pdf",
	".wasm": "application/wasm",
}

// contentTypeFor resolves a path's suffix to a MIME type, defaulting to
// text/plain for unknown or missing suffixes.
func contentTypeFor(path string) string {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "text/plain"
	}
	if ct, ok := mimeTypes[strings.ToLower(path[i:])]; ok {
		return ct
	}
	return "text/plain"
}
