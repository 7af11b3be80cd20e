package evhttpd

import "fmt"

// statusText maps a status code to its HTTP reason phrase.
var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
}

// errorPagePaths maps a 4xx status to a document-root-relative error page.
// Consulted on 4xx responses before falling back to an inline HTML body.
var errorPagePaths = map[int]string{
	400: "/400.html",
	403: "/403.html",
	404: "/404.html",
}

// reasonFor returns the reason phrase for code, defaulting to a generic
// label for codes not present in statusText.
func reasonFor(code int) string {
	if r, ok := statusText[code]; ok {
		return r
	}
	return "Unknown"
}

// inlineErrorBody produces a minimal, dependency-free HTML body for when
// even the configured error page can't be resolved.
func inlineErrorBody(code int) []byte {
	return []byte(fmt.Sprintf(
		"<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>",
		code, reasonFor(code), code, reasonFor(code),
	))
}
