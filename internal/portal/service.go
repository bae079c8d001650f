// Package portal implements the record lifecycle on top of the blob
// and record stores: upload orchestration, reads, merge updates,
// deletes, patient search, and the workflow notifications tied to
// those transitions.
package portal

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpportal/gpportal/internal/blobstore"
	"github.com/gpportal/gpportal/internal/logging"
	"github.com/gpportal/gpportal/internal/records"
)

const (
	listLimit   = 50
	searchLimit = 10
)

// RecordStore is the document store surface the service depends on.
// *postgres.Store satisfies it.
type RecordStore interface {
	Create(ctx context.Context, rec *records.Record) error
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*records.Record, error)
	GetByID(ctx context.Context, id string) (*records.Record, error)
	Update(ctx context.Context, id string, updates map[string]any) (*records.Record, error)
	Delete(ctx context.Context, id string) (bool, error)
	SearchPatientIDs(ctx context.Context, query string, limit int) ([]string, error)
}

// Notifier emits fire-and-forget workflow events. *notify.Client
// satisfies it.
type Notifier interface {
	UploadRecorded(recordID, patientID, blobURL, contentType string)
	AIRequested(recordID, patientID, blobURL string)
	Reviewed(recordID, patientID, status string, updatedAt int64)
	Deleted(recordID, patientID string, timestamp int64)
}

// Service composes the blob store, the record store and the notifier.
type Service struct {
	blobs    blobstore.Backend
	store    RecordStore
	notifier Notifier
	now      func() time.Time
}

// New creates a portal service.
func New(blobs blobstore.Backend, store RecordStore, notifier Notifier) *Service {
	return &Service{
		blobs:    blobs,
		store:    store,
		notifier: notifier,
		now:      time.Now,
	}
}

// UploadInput carries one multipart file upload.
type UploadInput struct {
	PatientID   string
	Filename    string
	ContentType string
	Body        io.Reader
	Size        int64
}

// Upload stores the payload in the blob store, persists a new pending
// record, and notifies the upload and AI workflows.
//
// The two writes are not transactional: if the record insert fails
// after the blob upload succeeded, the blob is left orphaned. That gap
// is logged and accepted rather than papered over with a compensating
// delete.
func (s *Service) Upload(ctx context.Context, in UploadInput) (*records.Record, error) {
	if in.Body == nil {
		return nil, ValidationError("file missing")
	}
	patientID := strings.TrimSpace(in.PatientID)
	if patientID == "" {
		return nil, ValidationError("patientId required")
	}

	key := blobstore.DeriveKey(patientID, in.Filename)

	blobURL, err := s.blobs.Put(ctx, key, in.Body, in.Size, in.ContentType)
	if err != nil {
		logging.Error("blob upload failed",
			zap.String("patient_id", patientID),
			zap.String("key", key),
			zap.Error(err))
		return nil, &StorageError{Op: "put", Err: err}
	}

	rec := &records.Record{
		ID:           uuid.NewString(),
		PatientID:    patientID,
		BlobKey:      key,
		BlobURL:      blobURL,
		OriginalName: in.Filename,
		ContentType:  in.ContentType,
		Status:       records.StatusPending,
		GPNotes:      "",
		CreatedAt:    s.now().Unix(),
	}

	if err := s.store.Create(ctx, rec); err != nil {
		logging.Error("record insert failed, blob orphaned",
			zap.String("record_id", rec.ID),
			zap.String("key", key),
			zap.Error(err))
		return nil, &PersistenceError{Op: "create", Err: err}
	}

	s.notifier.UploadRecorded(rec.ID, rec.PatientID, rec.BlobURL, rec.ContentType)
	s.notifier.AIRequested(rec.ID, rec.PatientID, rec.BlobURL)

	logging.Info("file uploaded",
		zap.String("record_id", rec.ID),
		zap.String("patient_id", patientID),
		zap.String("key", key),
		zap.Int64("size", in.Size))

	return rec, nil
}

// Record returns the record with the given id or ErrNotFound.
func (s *Service) Record(ctx context.Context, id string) (*records.Record, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// PatientRecords lists a patient's records, most recently modified
// first.
func (s *Service) PatientRecords(ctx context.Context, patientID string) ([]*records.Record, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, ValidationError("patientId required")
	}

	recs, err := s.store.ListByPatient(ctx, patientID, listLimit)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return recs, nil
}

// UpdateInput carries a partial record update. Nil fields are left
// untouched; at least one field must be present.
type UpdateInput struct {
	Status  *string
	GPNotes *string
	AITags  *[]string
}

// UpdateRecord merges the supplied fields onto the stored record,
// stamps updatedAt, and notifies the review workflow when the
// resulting status is "reviewed".
func (s *Service) UpdateRecord(ctx context.Context, id string, in UpdateInput) (*records.Record, error) {
	updates := map[string]any{}
	if in.Status != nil {
		updates["status"] = strings.TrimSpace(*in.Status)
	}
	if in.GPNotes != nil {
		updates["gpNotes"] = strings.TrimSpace(*in.GPNotes)
	}
	if in.AITags != nil {
		updates["aiTags"] = *in.AITags
	}
	if len(updates) == 0 {
		return nil, ValidationError("no fields to update")
	}
	updates["updatedAt"] = s.now().Unix()

	rec, err := s.store.Update(ctx, id, updates)
	if err != nil {
		return nil, &PersistenceError{Op: "update", Err: err}
	}
	if rec == nil {
		return nil, ErrNotFound
	}

	if rec.Status == records.StatusReviewed {
		s.notifier.Reviewed(rec.ID, rec.PatientID, rec.Status, rec.UpdatedAt)
	}

	logging.Info("record updated",
		zap.String("record_id", id),
		zap.String("status", rec.Status))

	return rec, nil
}

// DeleteRecord removes the record's blob (best-effort) and its
// metadata document, then notifies the audit workflow.
func (s *Service) DeleteRecord(ctx context.Context, id string) error {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return &PersistenceError{Op: "get", Err: err}
	}
	if rec == nil {
		return ErrNotFound
	}

	// Blob removal never blocks the metadata delete.
	if err := s.blobs.Delete(ctx, rec.BlobKey); err != nil {
		logging.Warn("blob delete failed",
			zap.String("record_id", id),
			zap.String("key", rec.BlobKey),
			zap.Error(err))
	}

	found, err := s.store.Delete(ctx, id)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	if !found {
		return ErrNotFound
	}

	s.notifier.Deleted(rec.ID, rec.PatientID, s.now().Unix())

	logging.Info("record deleted",
		zap.String("record_id", id),
		zap.String("patient_id", rec.PatientID))

	return nil
}

// SearchPatients returns distinct patient ids containing query as a
// case-insensitive substring.
func (s *Service) SearchPatients(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ValidationError("query param required")
	}

	ids, err := s.store.SearchPatientIDs(ctx, query, searchLimit)
	if err != nil {
		return nil, &PersistenceError{Op: "search", Err: err}
	}
	return ids, nil
}

// Media streams a stored payload by blob key, for previews.
func (s *Service) Media(ctx context.Context, key string) (io.ReadCloser, string, error) {
	body, contentType, err := s.blobs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, "", ErrNotFound
		}
		return nil, "", &StorageError{Op: "get", Err: err}
	}
	return body, contentType, nil
}
