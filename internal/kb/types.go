package kb

import "time"

// RootSection is the section path assigned to documents without heading markers.
const RootSection = "root"

// Document is a normalized, section-tagged text handed to the core by the
// ingestion front-end. Heading markers are markdown-style "#" lines.
type Document struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Category string    `json:"category,omitempty"`
	Text     string    `json:"text"`
	Updated  time.Time `json:"updated_at"`
}

// Chunk is an immutable unit of knowledge: a bounded fragment of a document
// with its hierarchical section path and a precomputed embedding. Text and
// embedding are produced together and never diverge; re-ingesting the owning
// document replaces all of its chunks.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Category    string    `json:"category,omitempty"`
	SectionPath []string  `json:"section_path"`
	Seq         int       `json:"seq"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Section returns the deepest section title, or RootSection for unmarked documents.
func (c Chunk) Section() string {
	if len(c.SectionPath) == 0 {
		return RootSection
	}
	return c.SectionPath[len(c.SectionPath)-1]
}
