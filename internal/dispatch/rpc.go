package dispatch

// RPCHandler answers one named rpc method call, per spec.md §3's
// file-upload/download and milestone operations carried over the rpc
// category.
type RPCHandler func(identity Identity, docID string, payload []byte) ([]byte, error)
