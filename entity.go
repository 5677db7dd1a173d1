package metarelay

import "github.com/xraph/metarelay/internal/entity"

// Entity is the timestamp base embedded by all persisted metarelay records.
type Entity = entity.Entity

// NewEntity returns an Entity with both timestamps set to the current UTC time.
func NewEntity() Entity {
	return entity.New()
}
