package meshtypes

import "github.com/google/uuid"

// NewID returns a fresh random identifier, used for trace ids, chain ids,
// command ids and memory entry ids alike — grounded on gomind's uniform
// use of google/uuid for every entity id across core/agent.go and
// orchestration/*.
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
