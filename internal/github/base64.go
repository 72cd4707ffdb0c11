package github

import (
	"encoding/base64"
	"strings"
)

// decodeBase64 decodes GitHub content API payloads, which wrap base64
// across multiple newline-separated lines.
func decodeBase64(s string) (string, error) {
	cleaned := strings.ReplaceAll(s, "\n", "")
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
