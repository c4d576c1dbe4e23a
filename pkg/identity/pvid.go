// Package identity resolves the stable identity anchors an upload is
// evaluated against: the Provenance ID derived from content attributes, the
// account/device rows it belongs to, and the prior-sightings aggregate the
// policy engine and feature service both read.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// GeneratePVID builds the content-addressed provenance identifier:
// PVID-<first 16 hex chars of sha256(components joined by "|"), uppercased>.
// Components are, in order: the content reference, each non-empty
// fingerprint sorted by key, then the canonicalized metadata blob. Any
// component absent (empty content_ref, nil or empty fingerprints/metadata)
// is simply omitted rather than hashed as an empty string, so a nil map and
// an empty one yield the same PVID. Each component carries its field-name
// prefix, so uploads that supply different sets of optional fields get
// different PVIDs.
func GeneratePVID(contentRef string, fingerprints map[string]string, metadata map[string]interface{}) string {
	var components []string
	if contentRef != "" {
		components = append(components, "content_ref:"+contentRef)
	}
	if len(fingerprints) > 0 {
		keys := make([]string, 0, len(fingerprints))
		for k := range fingerprints {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := fingerprints[k]; v != "" {
				components = append(components, fmt.Sprintf("fingerprint:%s:%s", k, v))
			}
		}
	}
	if len(metadata) > 0 {
		components = append(components, "metadata:"+canonicalizeMetadata(metadata))
	}
	combined := strings.Join(components, "|")
	sum := sha256.Sum256([]byte(combined))
	hexDigest := hex.EncodeToString(sum[:])
	return "PVID-" + strings.ToUpper(hexDigest[:16])
}

// canonicalizeMetadata normalizes the metadata blob: every value is
// lowercased and stripped after being stringified (nested maps/slices are
// formatted with fmt's %v, which prints map keys in sorted order), then the
// whole thing is re-encoded as a JSON-style object with sorted keys. This is deliberately looser than pkg/canon, which is
// reserved for ledger/certificate hashing; PVID generation keeps its own
// original normalization rules so existing PVIDs keep resolving the same way.
func canonicalizeMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%q:%q", k, normalizeMetadataValue(metadata[k])))
	}
	b.WriteByte('}')
	return b.String()
}

func normalizeMetadataValue(v interface{}) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case map[string]interface{}, []interface{}:
		s = fmt.Sprintf("%v", t)
	default:
		s = fmt.Sprintf("%v", t)
	}
	return strings.TrimSpace(strings.ToLower(s))
}
