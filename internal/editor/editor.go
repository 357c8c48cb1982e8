// Package editor is the Diarization Editor Protocol (spec §4.6): applies
// user edits to segment text/speaker, rebuilds the transcript, and writes
// back atomically while preserving every other field and the session's
// global preferences. Grounded on internal/session's append-only writer
// and original_source/utils/metadata_manager.py's preserve-then-write
// discipline.
package editor

import (
	"fmt"

	"scriberr/internal/apperr"
	"scriberr/internal/dubmodel"
	"scriberr/internal/session"
)

const stageName = "diarization_edit"

// FieldEdit is the set of fields an editor may change for one segment
// (spec §4.6: "speaker?, text?").
type FieldEdit struct {
	Speaker *string `json:"speaker,omitempty"`
	Text    *string `json:"text,omitempty"`
}

const diarizationFile = "diarization.json"

// ApplyEdits loads the current diarization, applies only the listed
// fields per segment, rebuilds the transcript, and writes back
// atomically. All other segment fields (timing, gender, translated_text)
// are left untouched.
func ApplyEdits(store *session.Store, sessionID string, updates map[string]FieldEdit) (*dubmodel.Diarization, error) {
	var d dubmodel.Diarization
	if err := store.ReadJSON(sessionID, diarizationFile, &d); err != nil {
		return nil, apperr.NotFoundf(stageName, "no diarization for session %s: %v", sessionID, err)
	}

	if err := validateSegmentIDs(&d, updates); err != nil {
		return nil, apperr.Invalid(stageName, "%v", err)
	}

	applied := 0
	for i := range d.Segments {
		seg := &d.Segments[i]
		edit, ok := updates[seg.SegmentID]
		if !ok {
			continue
		}
		if edit.Speaker != nil {
			seg.Speaker = *edit.Speaker
		}
		if edit.Text != nil {
			seg.Text = *edit.Text
		}
		applied++
	}
	if applied == 0 {
		return nil, apperr.Invalid(stageName, "no matching segment ids in updates")
	}

	d.RebuildTranscript()
	if err := d.Validate(); err != nil {
		return nil, apperr.Invalid(stageName, "edited diarization invalid: %v", err)
	}

	// Before writing back, re-save preserved global preferences so
	// subsequent stages see consistent session metadata (spec §4.6).
	prefs, err := store.Get(sessionID)
	if err != nil {
		return nil, apperr.FatalErr(stageName, err, "load session metadata")
	}
	preserved := map[string]any{}
	for _, key := range []string{"preserve_background_music", "target_language"} {
		if v, ok := prefs[key]; ok {
			preserved[key] = v
		}
	}
	if len(preserved) > 0 {
		if err := store.Update(sessionID, preserved); err != nil {
			return nil, apperr.FatalErr(stageName, err, "re-save preserved preferences")
		}
	}

	if err := store.WriteJSON(sessionID, diarizationFile, &d); err != nil {
		return nil, apperr.FatalErr(stageName, err, "write edited diarization")
	}
	return &d, nil
}

// validateSegmentIDs rejects updates referencing segment ids absent from
// d, so ApplyEdits fails fast on a typo'd id instead of silently treating
// it as a no-op edit.
func validateSegmentIDs(d *dubmodel.Diarization, updates map[string]FieldEdit) error {
	known := make(map[string]bool, len(d.Segments))
	for _, s := range d.Segments {
		known[s.SegmentID] = true
	}
	for id := range updates {
		if !known[id] {
			return fmt.Errorf("unknown segment id %s", id)
		}
	}
	return nil
}
