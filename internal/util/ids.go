// Package util provides shared utility functions.
package util

import (
	"strings"

	"github.com/google/uuid"
)

// syntheticPrefix marks identifiers generated locally instead of being
// assigned by the server.
const syntheticPrefix = "local-"

// SyntheticID returns a locally generated placeholder identifier of the form
// "local-<kind>-<uuid>". It is used when the server never answered with a
// real one so that callers can keep going.
func SyntheticID(kind string) string {
	Stats.AddSynthetic()
	return syntheticPrefix + kind + "-" + uuid.NewString()
}

// IsSyntheticID reports whether id was produced by SyntheticID.
func IsSyntheticID(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}
