package dispatch

import (
	"encoding/json"

	"github.com/quillsync/core/internal/storage/filestore"
)

// File upload/download is carried as rpc methods per spec.md §3; payloads
// are JSON, matching the teacher's metadata encoding throughout
// daemon/manager rather than inventing a second binary micro-format for a
// handful of small request/response shapes.

type beginUploadRequest struct {
	UploadID string            `json:"uploadId"`
	Metadata filestore.Metadata `json:"metadata"`
}

type storeChunkRequest struct {
	UploadID string `json:"uploadId"`
	Index    int    `json:"index"`
	Data     []byte `json:"data"`
}

type completeUploadRequest struct {
	UploadID       string `json:"uploadId"`
	DeclaredFileID string `json:"declaredFileId"`
}

type completeUploadResponse struct {
	FileID string `json:"fileId"`
}

type getFileRequest struct {
	FileID string `json:"fileId"`
}

type getFileResponse struct {
	Metadata filestore.Metadata `json:"metadata"`
	Chunks   [][]byte           `json:"chunks"`
}

// registerFileHandlers wires the file-upload rpc surface over files, the
// Dispatcher's content-addressed file store. Called from New when a
// non-nil filestore.Store is supplied.
func (d *Dispatcher) registerFileHandlers(files *filestore.Store) {
	d.RegisterRPC("file.beginUpload", func(_ Identity, _ string, payload []byte) ([]byte, error) {
		var req beginUploadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if err := files.BeginUpload(req.UploadID, req.Metadata); err != nil {
			return nil, err
		}
		return nil, nil
	})

	d.RegisterRPC("file.storeChunk", func(_ Identity, _ string, payload []byte) ([]byte, error) {
		var req storeChunkRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, files.StoreChunk(req.UploadID, req.Index, req.Data, nil)
	})

	d.RegisterRPC("file.completeUpload", func(_ Identity, _ string, payload []byte) ([]byte, error) {
		var req completeUploadRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		fileID, err := files.CompleteUpload(req.UploadID, req.DeclaredFileID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(completeUploadResponse{FileID: fileID})
	})

	d.RegisterRPC("file.get", func(_ Identity, _ string, payload []byte) ([]byte, error) {
		var req getFileRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		meta, chunks, err := files.GetFile(req.FileID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(getFileResponse{Metadata: meta, Chunks: chunks})
	})

	d.RegisterRPC("file.delete", func(_ Identity, _ string, payload []byte) ([]byte, error) {
		var req getFileRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return nil, files.DeleteFile(req.FileID)
	})

	d.RegisterRPC("file.deleteByDocument", func(_ Identity, docID string, _ []byte) ([]byte, error) {
		return nil, files.DeleteFilesByDocument(docID)
	})
}
