package schema

// Artifact is an opaque blob produced by a step. The engine hands artifacts
// to object storage keyed by (runID, stepName) and never interprets their
// contents.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"-"`
}
