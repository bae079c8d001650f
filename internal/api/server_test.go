package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/gpportal/gpportal/internal/blobstore"
	"github.com/gpportal/gpportal/internal/portal"
	"github.com/gpportal/gpportal/internal/records"
)

// In-memory backends so handler tests run without S3 or PostgreSQL.

type memBlobs struct {
	objects map[string]memObject
}

type memObject struct {
	data        []byte
	contentType string
}

func (m *memBlobs) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = memObject{data: data, contentType: contentType}
	return "http://blobs.local/" + key, nil
}

func (m *memBlobs) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", blobstore.ErrNotFound
	}
	contentType := obj.contentType
	if contentType == "" {
		contentType = blobstore.FallbackContentType
	}
	return io.NopCloser(bytes.NewReader(obj.data)), contentType, nil
}

func (m *memBlobs) Delete(ctx context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

type memStore struct {
	docs  map[string]map[string]any
	order []string
}

func (m *memStore) touch(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append(m.order, id)
}

func (m *memStore) Create(ctx context.Context, rec *records.Record) error {
	b, _ := json.Marshal(rec)
	var doc map[string]any
	json.Unmarshal(b, &doc)
	m.docs[rec.ID] = doc
	m.touch(rec.ID)
	return nil
}

func (m *memStore) decode(doc map[string]any) *records.Record {
	b, _ := json.Marshal(doc)
	var rec records.Record
	json.Unmarshal(b, &rec)
	return &rec
}

func (m *memStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*records.Record, error) {
	var recs []*records.Record
	for i := len(m.order) - 1; i >= 0 && len(recs) < limit; i-- {
		doc := m.docs[m.order[i]]
		if doc["patientId"] == patientID {
			recs = append(recs, m.decode(doc))
		}
	}
	return recs, nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*records.Record, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	return m.decode(doc), nil
}

func (m *memStore) Update(ctx context.Context, id string, updates map[string]any) (*records.Record, error) {
	doc, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	for k, v := range updates {
		doc[k] = v
	}
	m.touch(id)
	return m.decode(doc), nil
}

func (m *memStore) Delete(ctx context.Context, id string) (bool, error) {
	if _, ok := m.docs[id]; !ok {
		return false, nil
	}
	delete(m.docs, id)
	return true, nil
}

func (m *memStore) SearchPatientIDs(ctx context.Context, query string, limit int) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, id := range m.order {
		patient, _ := m.docs[id]["patientId"].(string)
		if seen[patient] || !strings.Contains(strings.ToLower(patient), strings.ToLower(query)) {
			continue
		}
		seen[patient] = true
		ids = append(ids, patient)
		if len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

type memNotifier struct {
	reviews []map[string]any
	audits  []map[string]any
}

func (m *memNotifier) UploadRecorded(recordID, patientID, blobURL, contentType string) {}
func (m *memNotifier) AIRequested(recordID, patientID, blobURL string)                {}

func (m *memNotifier) Reviewed(recordID, patientID, status string, updatedAt int64) {
	m.reviews = append(m.reviews, map[string]any{
		"recordId": recordID, "patientId": patientID,
		"status": status, "updatedAt": updatedAt,
	})
}

func (m *memNotifier) Deleted(recordID, patientID string, timestamp int64) {
	m.audits = append(m.audits, map[string]any{
		"recordId": recordID, "patientId": patientID, "action": "deleted",
	})
}

func newTestServer(t *testing.T) (*httptest.Server, *memNotifier) {
	t.Helper()
	blobs := &memBlobs{objects: make(map[string]memObject)}
	store := &memStore{docs: make(map[string]map[string]any)}
	notifier := &memNotifier{}

	svc := portal.New(blobs, store, notifier)
	srv := NewServer(svc, 10*1024*1024)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, notifier
}

func multipartBody(t *testing.T, patientID, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if patientID != "" {
		w.WriteField("patientId", patientID)
	}
	if filename != "" {
		fw, err := w.CreateFormFile("files", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func uploadFile(t *testing.T, ts *httptest.Server, patientID, filename, content string) *records.Record {
	t.Helper()
	body, contentType := multipartBody(t, patientID, filename, content)
	resp, err := http.Post(ts.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload failed: %d %s", resp.StatusCode, b)
	}

	var result struct {
		Message string          `json:"message"`
		Record  *records.Record `json:"record"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	if result.Message != "uploaded" {
		t.Fatalf("message = %q", result.Message)
	}
	return result.Record
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if v != nil {
		json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var health map[string]string
	if code := getJSON(t, ts.URL+"/health", &health); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if health["status"] != "ok" || health["service"] != "gpportal-api" {
		t.Errorf("health body: %v", health)
	}
}

func TestUpload(t *testing.T) {
	ts, _ := newTestServer(t)

	rec := uploadFile(t, ts, "P004", "scan.jpg", "jpeg bytes")

	keyRe := regexp.MustCompile(`^P004/[0-9a-f-]{36}\.jpg$`)
	if !keyRe.MatchString(rec.BlobKey) {
		t.Errorf("blobKey = %q", rec.BlobKey)
	}
	if rec.Status != "pending" || rec.GPNotes != "" {
		t.Errorf("record = %+v", rec)
	}
	if rec.OriginalName != "scan.jpg" {
		t.Errorf("originalName = %q", rec.OriginalName)
	}
}

func TestUploadMissingFile(t *testing.T) {
	ts, _ := newTestServer(t)

	body, contentType := multipartBody(t, "P004", "", "")
	resp, err := http.Post(ts.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}

	var e struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&e)
	if e.Error == "" || e.Code != http.StatusBadRequest {
		t.Errorf("error body: %+v", e)
	}
}

func TestUploadMissingPatientID(t *testing.T) {
	ts, _ := newTestServer(t)

	body, contentType := multipartBody(t, "", "scan.jpg", "x")
	resp, err := http.Post(ts.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	blobs := &memBlobs{objects: make(map[string]memObject)}
	store := &memStore{docs: make(map[string]map[string]any)}
	svc := portal.New(blobs, store, &memNotifier{})
	srv := NewServer(svc, 64) // tiny limit
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, contentType := multipartBody(t, "P004", "scan.jpg", strings.Repeat("x", 4096))
	resp, err := http.Post(ts.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestRecordsList(t *testing.T) {
	ts, _ := newTestServer(t)

	uploadFile(t, ts, "P001", "a.jpg", "x")
	uploadFile(t, ts, "P001", "b.jpg", "x")
	uploadFile(t, ts, "P002", "c.jpg", "x")

	var result struct {
		PatientID string            `json:"patientId"`
		Count     int               `json:"count"`
		Records   []*records.Record `json:"records"`
	}
	if code := getJSON(t, ts.URL+"/records?patientId=P001", &result); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if result.Count != 2 || len(result.Records) != 2 {
		t.Fatalf("count = %d, records = %d", result.Count, len(result.Records))
	}
	for _, r := range result.Records {
		if r.PatientID != "P001" {
			t.Errorf("foreign record: %+v", r)
		}
	}
}

func TestRecordsMissingPatientID(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := getJSON(t, ts.URL+"/records", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestGetRecordNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := getJSON(t, ts.URL+"/record/nonexistent", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

// TestRecordLifecycle walks the full flow: upload, review, delete.
func TestRecordLifecycle(t *testing.T) {
	ts, notifier := newTestServer(t)

	rec := uploadFile(t, ts, "P004", "scan.jpg", "jpeg bytes")

	// Fetch it back
	var got records.Record
	if code := getJSON(t, ts.URL+"/record/"+rec.ID, &got); code != http.StatusOK {
		t.Fatalf("get failed: %d", code)
	}
	if got.ID != rec.ID || got.Status != "pending" {
		t.Fatalf("got %+v", got)
	}

	// Mark reviewed
	resp, body := doJSON(t, http.MethodPut, ts.URL+"/record/"+rec.ID, `{"status":"reviewed"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update failed: %d %s", resp.StatusCode, body)
	}
	var updated records.Record
	json.Unmarshal(body, &updated)
	if updated.Status != "reviewed" {
		t.Errorf("status = %q", updated.Status)
	}
	if updated.UpdatedAt == 0 {
		t.Error("updatedAt not stamped")
	}

	if len(notifier.reviews) != 1 {
		t.Fatalf("expected 1 review event, got %d", len(notifier.reviews))
	}
	event := notifier.reviews[0]
	if event["recordId"] != rec.ID || event["patientId"] != "P004" || event["status"] != "reviewed" {
		t.Errorf("review event: %v", event)
	}

	// Delete
	resp, body = doJSON(t, http.MethodDelete, ts.URL+"/record/"+rec.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete failed: %d %s", resp.StatusCode, body)
	}
	var deleted map[string]string
	json.Unmarshal(body, &deleted)
	if deleted["message"] != "record and blob deleted" {
		t.Errorf("delete body: %v", deleted)
	}
	if len(notifier.audits) != 1 {
		t.Errorf("expected 1 audit event, got %d", len(notifier.audits))
	}

	// Record and blob are gone
	if code := getJSON(t, ts.URL+"/record/"+rec.ID, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/media/"+rec.BlobKey, nil); code != http.StatusNotFound {
		t.Errorf("expected blob 404 after delete, got %d", code)
	}
}

func TestUpdateNoRecognizedFields(t *testing.T) {
	ts, _ := newTestServer(t)

	rec := uploadFile(t, ts, "P004", "scan.jpg", "x")

	for _, body := range []string{`{}`, `{"foo":"bar"}`} {
		resp, _ := doJSON(t, http.MethodPut, ts.URL+"/record/"+rec.ID, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %s: expected 400, got %d", body, resp.StatusCode)
		}
	}

	// Record unchanged
	var got records.Record
	getJSON(t, ts.URL+"/record/"+rec.ID, &got)
	if got.Status != "pending" || got.UpdatedAt != 0 {
		t.Errorf("record mutated by rejected update: %+v", got)
	}
}

func TestUpdateInvalidJSON(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/record/some-id", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDeleteNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/record/nonexistent", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestSearchPatients(t *testing.T) {
	ts, _ := newTestServer(t)

	uploadFile(t, ts, "P001", "a.jpg", "x")
	uploadFile(t, ts, "P001", "b.jpg", "x")
	uploadFile(t, ts, "P002", "c.jpg", "x")

	var result struct {
		Results []string `json:"results"`
	}
	if code := getJSON(t, ts.URL+"/search/patients?query=p0", &result); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(result.Results) != 2 {
		t.Errorf("results = %v", result.Results)
	}
}

func TestSearchPatientsEmptyQuery(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := getJSON(t, ts.URL+"/search/patients", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestMedia(t *testing.T) {
	ts, _ := newTestServer(t)

	rec := uploadFile(t, ts, "P004", "scan.jpg", "jpeg bytes")

	resp, err := http.Get(ts.URL + "/media/" + rec.BlobKey)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "jpeg bytes" {
		t.Errorf("payload = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/octet-stream") {
		// multipart file parts default to octet-stream
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestMediaNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	if code := getJSON(t, ts.URL+"/media/P004/missing.jpg", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}
