package filestore

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/merkle"
	"github.com/quillsync/core/internal/storage/memstore"
)

type fakeDocUpdater struct {
	added   map[string][]string
	removed map[string][]string
}

func newFakeDocUpdater() *fakeDocUpdater {
	return &fakeDocUpdater{added: map[string][]string{}, removed: map[string][]string{}}
}

func (f *fakeDocUpdater) AddFile(docID, fileID string) error {
	f.added[docID] = append(f.added[docID], fileID)
	return nil
}

func (f *fakeDocUpdater) RemoveFile(docID, fileID string) error {
	f.removed[docID] = append(f.removed[docID], fileID)
	for i, id := range f.added[docID] {
		if id == fileID {
			f.added[docID] = append(f.added[docID][:i], f.added[docID][i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeDocUpdater) ListFiles(docID string) ([]string, error) {
	return append([]string(nil), f.added[docID]...), nil
}

func (f *fakeDocUpdater) ClearFiles(docID string) error {
	delete(f.added, docID)
	return nil
}

func splitChunks(data []byte, size int) [][]byte {
	var out [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[i:end])
	}
	if len(out) == 0 {
		out = append(out, []byte{})
	}
	return out
}

func TestUploadFlowCompletesAndAddsToDocument(t *testing.T) {
	docs := newFakeDocUpdater()
	s := New(memstore.New(), docs, WithChunkSize(4))

	data := []byte("hello world!") // 12 bytes, chunk size 4 -> 3 chunks
	chunks := splitChunks(data, 4)

	meta := Metadata{Filename: "greeting.txt", Size: int64(len(data)), MimeType: "text/plain", DocumentID: "doc1"}
	if err := s.BeginUpload("up1", meta); err != nil {
		t.Fatal(err)
	}
	for i, c := range chunks {
		if err := s.StoreChunk("up1", i, c, nil); err != nil {
			t.Fatal(err)
		}
	}

	root, err := merkle.RootOf(chunks)
	if err != nil {
		t.Fatal(err)
	}
	wantID := base64.StdEncoding.EncodeToString(root[:])

	fileID, err := s.CompleteUpload("up1", "")
	if err != nil {
		t.Fatal(err)
	}
	if fileID != wantID {
		t.Fatalf("fileID = %q, want %q", fileID, wantID)
	}

	gotMeta, gotChunks, err := s.GetFile(fileID)
	if err != nil {
		t.Fatal(err)
	}
	if gotMeta.Filename != "greeting.txt" {
		t.Fatalf("unexpected metadata: %+v", gotMeta)
	}
	if len(gotChunks) != len(chunks) {
		t.Fatalf("expected %d chunks, got %d", len(chunks), len(gotChunks))
	}

	if len(docs.added["doc1"]) != 1 || docs.added["doc1"][0] != fileID {
		t.Fatalf("expected document to be notified of new file, got %+v", docs.added)
	}
}

func TestCompleteUploadRejectsMissingChunks(t *testing.T) {
	s := New(memstore.New(), nil, WithChunkSize(4))
	meta := Metadata{Size: 12}
	s.BeginUpload("up1", meta)
	s.StoreChunk("up1", 0, []byte("hell"), nil)
	// chunk 1 and 2 never arrive

	_, err := s.CompleteUpload("up1", "")
	if !docerr.Is(err, docerr.KindIntegrity) {
		t.Fatalf("expected Integrity error, got %v", err)
	}
}

func TestCompleteUploadRejectsDeclaredFileIDMismatch(t *testing.T) {
	s := New(memstore.New(), nil, WithChunkSize(4))
	data := []byte("hello world!")
	chunks := splitChunks(data, 4)
	meta := Metadata{Size: int64(len(data))}
	s.BeginUpload("up1", meta)
	for i, c := range chunks {
		s.StoreChunk("up1", i, c, nil)
	}

	_, err := s.CompleteUpload("up1", "not-the-real-root")
	if !docerr.Is(err, docerr.KindIntegrity) {
		t.Fatalf("expected Integrity error, got %v", err)
	}
}

func TestStoreChunkIsIdempotent(t *testing.T) {
	s := New(memstore.New(), nil, WithChunkSize(4))
	meta := Metadata{Size: 4}
	s.BeginUpload("up1", meta)
	if err := s.StoreChunk("up1", 0, []byte("abcd"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreChunk("up1", 0, []byte("abcd"), nil); err != nil {
		t.Fatal(err)
	}
	sess, err := s.readSession("up1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.BytesUploaded != 4 {
		t.Fatalf("expected bytesUploaded=4 after duplicate chunk, got %d", sess.BytesUploaded)
	}
}

func TestDeleteFileRemovesChunksMetadataAndDocumentLink(t *testing.T) {
	docs := newFakeDocUpdater()
	s := New(memstore.New(), docs, WithChunkSize(4))
	data := []byte("hello world!")
	chunks := splitChunks(data, 4)
	meta := Metadata{Size: int64(len(data)), DocumentID: "doc1"}
	s.BeginUpload("up1", meta)
	for i, c := range chunks {
		s.StoreChunk("up1", i, c, nil)
	}
	fileID, err := s.CompleteUpload("up1", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteFile(fileID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.GetFile(fileID); err == nil {
		t.Fatal("expected file to be gone after delete")
	}
	if len(docs.removed["doc1"]) != 1 || docs.removed["doc1"][0] != fileID {
		t.Fatalf("expected document to be notified of file removal, got %+v", docs.removed)
	}
}

func TestDeleteFilesByDocumentRemovesEveryFileAndClearsList(t *testing.T) {
	docs := newFakeDocUpdater()
	s := New(memstore.New(), docs, WithChunkSize(4))

	uploadOne := func(uploadID string, data []byte) string {
		chunks := splitChunks(data, 4)
		meta := Metadata{Size: int64(len(data)), DocumentID: "doc1"}
		if err := s.BeginUpload(uploadID, meta); err != nil {
			t.Fatal(err)
		}
		for i, c := range chunks {
			if err := s.StoreChunk(uploadID, i, c, nil); err != nil {
				t.Fatal(err)
			}
		}
		fileID, err := s.CompleteUpload(uploadID, "")
		if err != nil {
			t.Fatal(err)
		}
		return fileID
	}

	fileA := uploadOne("up1", []byte("hello world!"))
	fileB := uploadOne("up2", []byte("goodbye!!!!!"))

	if err := s.DeleteFilesByDocument("doc1"); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.GetFile(fileA); err == nil {
		t.Fatal("expected fileA to be gone")
	}
	if _, _, err := s.GetFile(fileB); err == nil {
		t.Fatal("expected fileB to be gone")
	}
	if got, err := docs.ListFiles("doc1"); err != nil || len(got) != 0 {
		t.Fatalf("expected files[] cleared, got %+v (err=%v)", got, err)
	}
}

func TestGCExpiredUploadRemovesSessionAndChunks(t *testing.T) {
	s := New(memstore.New(), nil, WithChunkSize(4), WithUploadTTL(time.Millisecond))
	base := time.Now()
	s.now = func() time.Time { return base }

	meta := Metadata{Size: 4}
	s.BeginUpload("up1", meta)
	s.StoreChunk("up1", 0, []byte("abcd"), nil)

	later := base.Add(time.Hour)
	expired, err := s.IsExpired("up1", later)
	if err != nil {
		t.Fatal(err)
	}
	if !expired {
		t.Fatal("expected session to be expired")
	}

	if err := s.GCExpiredUpload("up1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.readSession("up1"); err == nil {
		t.Fatal("expected session to be gone after GC")
	}
}

func TestGCExpiredUploadOnUnknownSessionIsNoop(t *testing.T) {
	s := New(memstore.New(), nil)
	if err := s.GCExpiredUpload("never-existed"); err != nil {
		t.Fatal(err)
	}
}
