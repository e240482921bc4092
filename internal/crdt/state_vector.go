package crdt

import "sort"

// EncodeStateVector serializes a StateVector as the opaque "CRDT state
// vector" bytes spec.md §3/§4.A describes as a plaintext doc.sync-step-1
// payload: a varuint count followed by that many (clientId, counter) pairs,
// sorted by clientId for deterministic output.
func EncodeStateVector(sv StateVector) []byte {
	clientIDs := make([]uint32, 0, len(sv))
	for id := range sv {
		clientIDs = append(clientIDs, id)
	}
	sort.Slice(clientIDs, func(i, j int) bool { return clientIDs[i] < clientIDs[j] })

	buf := appendVaruint(nil, uint64(len(clientIDs)))
	for _, id := range clientIDs {
		buf = appendVaruint(buf, uint64(id))
		buf = appendVaruint(buf, sv[id])
	}
	return buf
}

// DecodeStateVector parses the encoding built by EncodeStateVector.
func DecodeStateVector(buf []byte) (StateVector, error) {
	count, pos, err := readVaruint(buf, 0)
	if err != nil {
		return nil, err
	}
	sv := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		clientID, adv, err := readVaruint(buf, pos)
		if err != nil {
			return nil, err
		}
		pos += adv
		counter, adv, err := readVaruint(buf, pos)
		if err != nil {
			return nil, err
		}
		pos += adv
		sv[uint32(clientID)] = counter
	}
	return sv, nil
}
