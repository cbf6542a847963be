package storage

import (
	"fmt"
	"path"
	"strings"
)

const evidencePrefix = "returns/evidence"

// EvidencePath composes the object key for a customer uploaded return evidence image.
func EvidencePath(userID, orderID, uploadID, fileName string) (string, error) {
	segments := []struct{ name, value string }{
		{"userID", userID},
		{"orderID", orderID},
		{"uploadID", uploadID},
		{"fileName", fileName},
	}
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, evidencePrefix)
	for _, seg := range segments {
		value, err := validateSegment(seg.name, seg.value)
		if err != nil {
			return "", err
		}
		parts = append(parts, value)
	}
	return strings.Join(parts, "/"), nil
}

// OwnsEvidencePath reports whether object lives under the evidence prefix of userID and orderID.
func OwnsEvidencePath(object, userID, orderID string) bool {
	cleaned := path.Clean(strings.TrimSpace(object))
	if cleaned != strings.TrimSpace(object) {
		return false
	}
	prefix := fmt.Sprintf("%s/%s/%s/", evidencePrefix, userID, orderID)
	return strings.HasPrefix(cleaned, prefix) && len(cleaned) > len(prefix)
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return "", invalid(name, "is required")
	case strings.ContainsAny(value, "/\\"):
		return "", invalid(name, "contains invalid path characters")
	case strings.Contains(value, ".."):
		return "", invalid(name, "contains invalid traversal sequence")
	}
	return value, nil
}
