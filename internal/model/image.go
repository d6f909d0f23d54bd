package model

import (
	"regexp"
	"strings"
)

// imageRx is the accepted grammar of an image identifier: name:tag[@sha256:hex]
var imageRx = regexp.MustCompile(`(?i)^([\w\-./]+):([\w.\-]+)(@sha256:\w+)?$`)

// ValidImage reports whether image matches name:tag[@sha256:digest].
func ValidImage(image string) bool {
	return imageRx.MatchString(image)
}

// ImageKey returns a file name safe key for the image. Path separators are
// replaced, so the key never escapes the directory it is stored in.
func ImageKey(image string) string {
	return strings.ReplaceAll(image, "/", "-")
}

// SplitImage returns the parts of a valid image identifier. The digest
// keeps its sha256: prefix.
func SplitImage(image string) (name, tag, digest string, ok bool) {
	m := imageRx.FindStringSubmatch(image)
	if m == nil {
		return "", "", "", false
	}
	return m[1], m[2], strings.TrimPrefix(m[3], "@"), true
}
