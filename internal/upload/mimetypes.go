package upload

import (
	"mime"
	"strings"
)

// inlineMIMETypes is the fixed allow-list of content types that may be
// rendered inline by a browser when fetched from the application's origin.
// To avoid cross-site scripting attacks, DO NOT add types such as
// application/xhtml+xml, application/x-shockwave-flash, image/svg+xml,
// text/html, or text/xml.
var inlineMIMETypes = map[string]struct{}{
	"application/pdf": {},
	"audio/aac":       {},
	"audio/flac":      {},
	"audio/mp4":       {},
	"audio/mpeg":      {},
	"audio/wav":       {},
	"audio/webm":      {},
	"image/apng":      {},
	"image/avif":      {},
	"image/gif":       {},
	"image/jpeg":      {},
	"image/png":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/webm":      {},
}

// IsInlineRenderable reports whether content of the given type may be
// served with an inline Content-Disposition. Anything not on the
// allow-list must be served as a forced download. Media-type parameters
// (e.g. "; charset=utf-8") are ignored; a malformed content type is never
// inline-renderable.
func IsInlineRenderable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	_, ok := inlineMIMETypes[mediaType]
	return ok
}

// ContentDisposition returns the Content-Disposition header value for
// serving a stored file: "inline" for allow-listed types, otherwise
// "attachment" so the browser downloads rather than renders.
func ContentDisposition(contentType string) string {
	if IsInlineRenderable(contentType) {
		return "inline"
	}
	return "attachment"
}
