package schema

import "time"

// Host is a sensor-reported host. Hosts are created or touched only by the
// ingest upsert and never deleted by the pipeline.
type Host struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
	LastSeen  time.Time         `json:"last_seen"`
}
