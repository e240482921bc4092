// Package filestore implements the content-addressed chunked file storage
// flavor of spec.md §4.G: durable files keyed by their Merkle root, and
// temporary upload sessions that accumulate chunks until completeUpload
// verifies and promotes them. Grounded on the teacher's
// daemon/manager/cas_bolt.go (content-addressed chunk cache keyed by hash)
// and daemon/manager/bitmap.go (per-session chunk-arrival bookkeeping,
// adapted in bitmap.go alongside this file), with integrity verification
// from internal/merkle.
package filestore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/merkle"
	"github.com/quillsync/core/internal/storage"
)

// DocumentMetadataUpdater lets filestore attach/detach a completed file to
// its owning document's files[] list without importing the document
// storage packages (which have no reason to depend on file storage): the
// dispatcher wires a concrete implementation backed by docstore/encstore
// at startup. ListFiles/ClearFiles back DeleteFilesByDocument: it lists
// files as a plain read, deletes their chunks and metadata, then clears
// files[] in one write, rather than calling RemoveFile once per file
// (which would re-enter the document's own transaction for each one).
type DocumentMetadataUpdater interface {
	AddFile(documentID, fileID string) error
	RemoveFile(documentID, fileID string) error
	ListFiles(documentID string) ([]string, error)
	ClearFiles(documentID string) error
}

// Metadata describes one file, independent of upload/storage state.
type Metadata struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType"`
	LastModified int64  `json:"lastModified"`
	Encrypted    bool   `json:"encrypted"`
	DocumentID   string `json:"documentId"`
}

// DefaultChunkSize is CHUNK_SIZE from spec.md §3: a power-of-two constant,
// 256 KiB.
const DefaultChunkSize = 256 * 1024

// Store is the content-addressed file storage flavor.
type Store struct {
	kv        storage.KeyValueStore
	chunkSize int
	uploadTTL time.Duration
	docs      DocumentMetadataUpdater
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithChunkSize overrides DefaultChunkSize.
func WithChunkSize(n int) Option { return func(s *Store) { s.chunkSize = n } }

// WithUploadTTL overrides the default 24h upload-session inactivity TTL.
func WithUploadTTL(d time.Duration) Option { return func(s *Store) { s.uploadTTL = d } }

// New wraps a KeyValueStore as a file store. docs may be nil if no document
// is ever associated with an uploaded file (e.g. a standalone CAS).
func New(kv storage.KeyValueStore, docs DocumentMetadataUpdater, opts ...Option) *Store {
	s := &Store{
		kv:        kv,
		chunkSize: DefaultChunkSize,
		uploadTTL: 24 * time.Hour,
		docs:      docs,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func fileMetaKey(id string) string        { return "file:file:" + id }
func fileChunkKey(id string, i int) string { return fmt.Sprintf("file:file:%s:chunk:%d", id, i) }
func uploadKey(id string) string          { return "file:upload:" + id }
func uploadChunkKey(id string, i int) string { return fmt.Sprintf("file:upload:%s:chunk:%d", id, i) }

type fileRecord struct {
	Metadata   Metadata `json:"metadata"`
	ContentID  []byte   `json:"contentId"`
	NumChunks  int      `json:"numChunks"`
}

type uploadSession struct {
	UploadID     string    `json:"uploadId"`
	Metadata     Metadata  `json:"metadata"`
	BytesUploaded int64    `json:"bytesUploaded"`
	LastActivity int64     `json:"lastActivity"`
	TotalChunks  int64     `json:"totalChunks"`
	Bits         []byte    `json:"bits"`
	Received     int64     `json:"received"`
}

func (s *Store) expectedChunks(size int64) int64 {
	return int64(merkle.ChunkCount(size, s.chunkSize))
}

// BeginUpload creates a new upload session for metadata.Size bytes.
func (s *Store) BeginUpload(uploadID string, metadata Metadata) error {
	total := s.expectedChunks(metadata.Size)
	bm := newChunkBitmap(total)
	sess := uploadSession{
		UploadID:     uploadID,
		Metadata:     metadata,
		LastActivity: s.now().UnixMilli(),
		TotalChunks:  total,
		Bits:         bm.bits,
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(uploadKey(uploadID), raw)
}

func (s *Store) readSession(uploadID string) (uploadSession, error) {
	raw, err := s.kv.Get(uploadKey(uploadID))
	if err != nil {
		return uploadSession{}, err
	}
	var sess uploadSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return uploadSession{}, err
	}
	return sess, nil
}

func (s *Store) writeSession(sess uploadSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Set(uploadKey(sess.UploadID), raw)
}

// StoreChunk appends chunk bytes at index within an upload session and
// recomputes bytesUploaded. proof is accepted for future per-chunk
// verification against a client-declared partial root but is not required
// for completeUpload's full-tree recheck.
func (s *Store) StoreChunk(uploadID string, index int, data []byte, proof *merkle.Proof) error {
	sess, err := s.readSession(uploadID)
	if err != nil {
		return err
	}
	bm := &chunkBitmap{totalChunks: sess.TotalChunks, bits: sess.Bits, received: sess.Received}
	if bm.has(int64(index)) {
		return nil // idempotent re-send
	}
	if err := s.kv.Set(uploadChunkKey(uploadID, index), data); err != nil {
		return err
	}
	if err := bm.set(int64(index)); err != nil {
		return err
	}

	sess.Bits = bm.bits
	sess.Received = bm.received
	sess.BytesUploaded += int64(len(data))
	sess.LastActivity = s.now().UnixMilli()
	return s.writeSession(sess)
}

// CompleteUpload verifies an upload session is whole and content-addressed
// correctly, then promotes it to durable file keys. If declaredFileID is
// non-empty, the recomputed Merkle root must match it exactly.
func (s *Store) CompleteUpload(uploadID, declaredFileID string) (string, error) {
	sess, err := s.readSession(uploadID)
	if err != nil {
		return "", err
	}

	bm := &chunkBitmap{totalChunks: sess.TotalChunks, bits: sess.Bits, received: sess.Received}
	if !bm.complete() {
		return "", docerr.Integrity(fmt.Sprintf("upload %s: missing chunks %v", uploadID, bm.missing()))
	}

	chunks := make([][]byte, sess.TotalChunks)
	var total int64
	for i := int64(0); i < sess.TotalChunks; i++ {
		data, err := s.kv.Get(uploadChunkKey(uploadID, int(i)))
		if err != nil {
			return "", err
		}
		chunks[i] = data
		total += int64(len(data))
	}
	if total != sess.Metadata.Size {
		return "", docerr.Integrity(fmt.Sprintf("upload %s: total size %d != declared %d", uploadID, total, sess.Metadata.Size))
	}

	root, err := merkle.RootOf(chunks)
	if err != nil {
		return "", err
	}
	fileID := base64.StdEncoding.EncodeToString(root[:])
	if declaredFileID != "" && declaredFileID != fileID {
		return "", docerr.Integrity(fmt.Sprintf("upload %s: merkle root mismatch", uploadID))
	}

	if err := s.storeFileFromUpload(fileID, sess, chunks); err != nil {
		return "", err
	}

	if s.docs != nil && sess.Metadata.DocumentID != "" {
		if err := s.docs.AddFile(sess.Metadata.DocumentID, fileID); err != nil {
			return "", err
		}
	}

	s.gcUploadChunks(uploadID, sess.TotalChunks)
	_ = s.kv.Remove(uploadKey(uploadID))
	return fileID, nil
}

func (s *Store) storeFileFromUpload(fileID string, sess uploadSession, chunks [][]byte) error {
	for i, c := range chunks {
		if err := s.kv.Set(fileChunkKey(fileID, i), c); err != nil {
			return err
		}
	}
	root, err := merkle.RootOf(chunks)
	if err != nil {
		return err
	}
	rec := fileRecord{Metadata: sess.Metadata, ContentID: root[:], NumChunks: len(chunks)}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(fileMetaKey(fileID), raw)
}

func (s *Store) gcUploadChunks(uploadID string, n int64) {
	for i := int64(0); i < n; i++ {
		_ = s.kv.Remove(uploadChunkKey(uploadID, int(i)))
	}
}

// GetFile returns a file's metadata and reassembled chunk bytes.
func (s *Store) GetFile(fileID string) (Metadata, [][]byte, error) {
	raw, err := s.kv.Get(fileMetaKey(fileID))
	if err != nil {
		return Metadata{}, nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Metadata{}, nil, err
	}
	chunks := make([][]byte, rec.NumChunks)
	for i := 0; i < rec.NumChunks; i++ {
		data, err := s.kv.Get(fileChunkKey(fileID, i))
		if err != nil {
			return Metadata{}, nil, err
		}
		chunks[i] = data
	}
	return rec.Metadata, chunks, nil
}

// DeleteFile removes a file's chunks and metadata, then detaches it from
// its owning document.
func (s *Store) DeleteFile(fileID string) error {
	rec, err := s.deleteFileRecord(fileID)
	if err != nil {
		return err
	}
	if s.docs != nil && rec.Metadata.DocumentID != "" {
		return s.docs.RemoveFile(rec.Metadata.DocumentID, fileID)
	}
	return nil
}

// deleteFileRecord removes a file's chunks and metadata without touching
// its owning document's files[] list; callers update that list themselves.
func (s *Store) deleteFileRecord(fileID string) (fileRecord, error) {
	raw, err := s.kv.Get(fileMetaKey(fileID))
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fileRecord{}, err
	}
	for i := 0; i < rec.NumChunks; i++ {
		_ = s.kv.Remove(fileChunkKey(fileID, i))
	}
	if err := s.kv.Remove(fileMetaKey(fileID)); err != nil {
		return fileRecord{}, err
	}
	return rec, nil
}

// DeleteFilesByDocument removes every file attached to documentID, per
// spec.md §4.G's deleteFilesByDocument: it deletes each file's rows
// without nested per-file document transactions (avoiding self-deadlock
// when called from inside the document's own lock), then clears files[]
// in a single write.
func (s *Store) DeleteFilesByDocument(documentID string) error {
	if s.docs == nil {
		return nil
	}
	ids, err := s.docs.ListFiles(documentID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.deleteFileRecord(id); err != nil && err != storage.ErrNotFound {
			return err
		}
	}
	return s.docs.ClearFiles(documentID)
}

// IsExpired reports whether an upload session has exceeded the inactivity
// TTL as of now.
func (s *Store) IsExpired(uploadID string, now time.Time) (bool, error) {
	sess, err := s.readSession(uploadID)
	if err == storage.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	last := time.UnixMilli(sess.LastActivity)
	return now.Sub(last) > s.uploadTTL, nil
}

// GCExpiredUpload removes an expired upload session and its partial chunks.
func (s *Store) GCExpiredUpload(uploadID string) error {
	sess, err := s.readSession(uploadID)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	s.gcUploadChunks(uploadID, sess.TotalChunks)
	return s.kv.Remove(uploadKey(uploadID))
}
