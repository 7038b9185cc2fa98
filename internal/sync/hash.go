package sync

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
)

// Fingerprint returns a stable content hash of v. Values are normalized
// through their JSON form first, so a struct and the equivalent decoded map
// hash the same and map key order never matters.
func Fingerprint(v any) (uint64, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case []byte:
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return 0, fmt.Errorf("fingerprint: marshal: %w", err)
		}
		raw = b
	}
	var norm any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &norm); err != nil {
			return 0, fmt.Errorf("fingerprint: normalize: %w", err)
		}
	}
	h, err := hashstructure.Hash(norm, hashstructure.FormatV2, nil)
	if err != nil {
		return 0, fmt.Errorf("fingerprint: %w", err)
	}
	return h, nil
}

// sameContent reports whether two JSON documents hash equal. Hash errors
// count as different.
func sameContent(a, b json.RawMessage) bool {
	ha, err := Fingerprint(a)
	if err != nil {
		return false
	}
	hb, err := Fingerprint(b)
	if err != nil {
		return false
	}
	return ha == hb
}
