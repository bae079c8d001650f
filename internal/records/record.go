// Package records defines the patient record domain model.
package records

// Record is the metadata document stored for each uploaded file.
// The binary payload itself lives in the blob store under BlobKey.
type Record struct {
	ID           string   `json:"id"`
	PatientID    string   `json:"patientId"`
	BlobKey      string   `json:"blobKey"`
	BlobURL      string   `json:"blobUrl"`
	OriginalName string   `json:"originalName"`
	ContentType  string   `json:"contentType"`
	Status       string   `json:"status"`
	GPNotes      string   `json:"gpNotes"`
	AITags       []string `json:"aiTags,omitempty"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt,omitempty"`
}

// StatusPending is the initial status assigned at upload time.
// StatusReviewed is the one status value with a side effect: setting it
// triggers the review workflow notification.
const (
	StatusPending  = "pending"
	StatusReviewed = "reviewed"
)
