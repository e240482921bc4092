package dispatch

import (
	"encoding/json"

	"github.com/quillsync/core/internal/milestone"
)

// Milestone list/create/snapshot/rename is carried as rpc methods per
// spec.md §4.I, the same JSON-payload treatment registerFileHandlers gives
// the file-upload surface.

type createMilestoneRequest struct {
	Name string `json:"name"`
}

type snapshotMilestoneRequest struct {
	MilestoneID string `json:"milestoneId"`
	Payload     []byte `json:"payload"`
}

type renameMilestoneRequest struct {
	MilestoneID string `json:"milestoneId"`
	Name        string `json:"name"`
}

type getMilestoneRequest struct {
	MilestoneID string `json:"milestoneId"`
}

type milestonePayloadResponse struct {
	Payload []byte `json:"payload"`
}

// registerMilestoneHandlers wires the milestone rpc surface over
// milestones, the Dispatcher's named-snapshot store. Called from New when
// a non-nil milestone.Store is supplied.
func (d *Dispatcher) registerMilestoneHandlers(milestones *milestone.Store) {
	d.RegisterRPC("milestone.list", func(_ Identity, docID string, _ []byte) ([]byte, error) {
		list, err := milestones.List(docID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)
	})

	d.RegisterRPC("milestone.create", func(_ Identity, docID string, payload []byte) ([]byte, error) {
		var req createMilestoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m, err := milestones.Create(docID, req.Name)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	})

	d.RegisterRPC("milestone.snapshot", func(_ Identity, docID string, payload []byte) ([]byte, error) {
		var req snapshotMilestoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m, err := milestones.Snapshot(docID, req.MilestoneID, req.Payload)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	})

	d.RegisterRPC("milestone.rename", func(_ Identity, docID string, payload []byte) ([]byte, error) {
		var req renameMilestoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		m, err := milestones.Rename(docID, req.MilestoneID, req.Name)
		if err != nil {
			return nil, err
		}
		return json.Marshal(m)
	})

	d.RegisterRPC("milestone.get", func(_ Identity, docID string, payload []byte) ([]byte, error) {
		var req getMilestoneRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		data, err := milestones.Payload(docID, req.MilestoneID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(milestonePayloadResponse{Payload: data})
	})
}
