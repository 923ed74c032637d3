// Package upload implements the file-upload core: display-name
// sanitization, the inline-rendering content-type policy, storage path
// generation for each asset category, and the Uploader tying those to a
// storage backend and the attachment recorder.
package upload

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	disallowedChars = regexp.MustCompile(`[^\pL\pN_\s.-]`)
	dashRuns        = regexp.MustCompile(`[-\s]+`)
)

// SanitizeName turns an arbitrary user-supplied string into a string that
// is safe as a single path segment on a Linux filesystem, in an object
// store key, and in a URL. Unicode letters and digits are kept for
// readability; everything else except ".", "-", "_", and whitespace is
// stripped, and whitespace/dash runs collapse to a single "-".
//
// The result is never empty, ".", or "..": those sanitize to the fixed
// fallback "uploaded-file". Idempotent and pure.
func SanitizeName(value string) string {
	value = norm.NFKC.String(value)
	value = strings.TrimSpace(disallowedChars.ReplaceAllString(value, ""))
	value = dashRuns.ReplaceAllString(value, "-")
	if value == "" || value == "." || value == ".." {
		return "uploaded-file"
	}
	return value
}
