package tenant

import (
	"regexp"
	"strings"
)

// AnonymousID is the tenant used when a request carries no usable tenant id.
const AnonymousID = "anonymous"

// maxIDLength bounds tenant ids so they stay safe as metric labels and subjects.
const maxIDLength = 128

var validID = regexp.MustCompile(`^[A-Za-z0-9_.:@-]+$`)

// NormalizeID trims id and maps blank or invalid ids to AnonymousID.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if !IsValidID(id) {
		return AnonymousID
	}
	return id
}

// IsValidID reports whether id can be used as a tenant id as-is.
func IsValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	return validID.MatchString(id)
}
