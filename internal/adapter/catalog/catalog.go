// Package catalog declares the payload schemas the TutorLoop apps
// synchronize. The content, tutor and progress services each own a
// slice of the catalog; syncd registers all of it at startup before
// any traffic is accepted.
package catalog

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tutorloop/sync-server/internal/schema"
)

// Builtin returns the record types shipped with the server.
func Builtin() []schema.RecordType {
	return []schema.RecordType{
		{
			// Content service. Summaries are free-form rich text the
			// merge engine cannot interleave; collisions are kept for
			// the student to settle.
			Name: "study_note",
			Fields: []schema.Field{
				{Name: "title", Type: schema.Scalar},
				{Name: "subject", Type: schema.Scalar},
				{Name: "tags", Type: schema.Set},
				{Name: "summary", Type: schema.Opaque},
			},
			Resolve: schema.Manual,
		},
		{
			Name: "flashcard_deck",
			Fields: []schema.Field{
				{Name: "title", Type: schema.Scalar},
				{Name: "subject", Type: schema.Scalar},
				{Name: "tags", Type: schema.Set},
				{Name: "review_count", Type: schema.Counter},
			},
		},
		{
			// Progress service. Counters absorb concurrent practice on
			// two devices without losing either session's work.
			Name: "lesson_progress",
			Fields: []schema.Field{
				{Name: "lesson_id", Type: schema.Scalar},
				{Name: "completed_steps", Type: schema.Counter},
				{Name: "minutes_practiced", Type: schema.Counter},
				{Name: "last_score", Type: schema.Scalar},
			},
		},
		{
			// Tutor service. A profile is edited by its own tutor; the
			// latest device edit is authoritative.
			Name: "tutor_profile",
			Fields: []schema.Field{
				{Name: "display_name", Type: schema.Scalar},
				{Name: "subjects", Type: schema.Set},
				{Name: "bio", Type: schema.Opaque},
			},
			Resolve: schema.ClientWins,
		},
	}
}

// Register installs every builtin type into the registry.
func Register(r *schema.Registry) error {
	for _, rt := range Builtin() {
		if err := r.Register(rt); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	log.Debug().Strs("types", r.Names()).Msg("record catalog registered")
	return nil
}
