package session

import (
	"fmt"
	"os"
	"reflect"

	"scriberr/pkg/logger"
)

// metadataFile is the append-only session metadata document (spec §3).
const metadataFile = "metadata.json"

// Get loads the full metadata document, returning an empty map if the
// session has never had metadata written.
func (s *Store) Get(id string) (map[string]any, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.loadMetadataLocked(id)
}

func (s *Store) loadMetadataLocked(id string) (map[string]any, error) {
	var current map[string]any
	if err := s.ReadJSON(id, metadataFile, &current); err != nil {
		if os.IsNotFound(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("session: load metadata: %w", err)
	}
	if current == nil {
		current = map[string]any{}
	}
	return current, nil
}

// GetField returns a single top-level field, or def if absent.
func (s *Store) GetField(id, key string, def any) (any, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if v, ok := meta[key]; ok {
		return v, nil
	}
	return def, nil
}

// UpdateField sets a single top-level field via load -> deep-merge -> save,
// the append-only writer contract from spec §4.2 / Invariant 3.
func (s *Store) UpdateField(id, key string, value any) error {
	return s.Update(id, map[string]any{key: value})
}

// UpdateSection deep-merges a nested section (e.g. "audio_separation")
// rather than replacing it wholesale, so fields not present in updates
// survive (spec §4.2/§4.6: "preserves all other fields").
func (s *Store) UpdateSection(id, name string, section map[string]any) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.loadMetadataLocked(id)
	if err != nil {
		return err
	}

	existingSection, _ := current[name].(map[string]any)
	merged := deepMerge(existingSection, section)
	current[name] = merged

	s.logFieldChanges(id, name, existingSection, merged)
	return s.WriteJSON(id, metadataFile, current)
}

// Update deep-merges a batch of top-level fields/sections into the existing
// metadata document. No previously-written key is ever dropped, matching
// spec §8 Invariant 3.
func (s *Store) Update(id string, updates map[string]any) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.loadMetadataLocked(id)
	if err != nil {
		return err
	}

	merged := deepMerge(current, updates)
	s.logFieldChanges(id, "metadata", current, merged)
	return s.WriteJSON(id, metadataFile, merged)
}

// deepMerge returns a new map containing all of base's keys, overlaid with
// updates; nested maps are merged recursively rather than replaced,
// preserving sibling keys exactly as metadata_manager.py's update_metadata
// does.
func deepMerge(base, updates map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		if nested, ok := v.(map[string]any); ok {
			if existing, ok2 := out[k].(map[string]any); ok2 {
				out[k] = deepMerge(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// logFieldChanges logs old -> new for changed top-level keys within a
// section, matching metadata_manager.py's log_metadata_change behavior.
func (s *Store) logFieldChanges(id, section string, before, after map[string]any) {
	for k, newVal := range after {
		oldVal, existed := before[k]
		if !existed || !reflect.DeepEqual(oldVal, newVal) {
			logger.Debug("Metadata field changed", "session_id", id, "section", section, "field", k, "old", oldVal, "new", newVal)
		}
	}
}
