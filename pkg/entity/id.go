package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NewID builds a deterministic entity id of the form
// <type>_<hash-of-canonical-fields>. The hash covers the type, the tenant,
// and the normalized name plus any extra discriminator parts, so creation
// is idempotent: the same logical entity always maps to the same id.
func NewID(t Type, orgID, name string, extra ...string) string {
	h := sha256.New()
	h.Write([]byte(string(t)))
	h.Write([]byte{0})
	h.Write([]byte(orgID))
	h.Write([]byte{0})
	h.Write([]byte(normalizeName(name)))
	for _, part := range extra {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	sum := h.Sum(nil)
	return string(t) + "_" + hex.EncodeToString(sum[:8])
}

// TypeOfID extracts the type tag from an entity id, or "" when the id
// does not carry one.
func TypeOfID(id string) Type {
	i := strings.LastIndex(id, "_")
	if i <= 0 {
		return ""
	}
	t := Type(id[:i])
	if !t.Valid() {
		return ""
	}
	return t
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}
