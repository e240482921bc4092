package wire

import "testing"

func TestDecodeDocAuthMessageWithoutReason(t *testing.T) {
	payload := EncodeDocAuthMessage(AuthMessage{Permission: "denied"})
	got, err := DecodeDoc(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.AuthMessage.HasReason {
		t.Fatal("expected no reason")
	}
	if got.AuthMessage.Permission != "denied" {
		t.Fatalf("got permission %q", got.AuthMessage.Permission)
	}
}

func TestDecodeDocRejectsEmptyPayload(t *testing.T) {
	if _, err := DecodeDoc(nil); err == nil {
		t.Fatal("expected error decoding empty doc payload")
	}
}

func TestDecodeDocRejectsUnknownSubVariant(t *testing.T) {
	if _, err := DecodeDoc([]byte{0xff}); err == nil {
		t.Fatal("expected error for unknown doc sub-variant")
	}
}

func TestDecodeAckRejectsWrongLength(t *testing.T) {
	if _, err := DecodeAck([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for malformed ack payload")
	}
}

func TestDecodeRPCRoundTrip(t *testing.T) {
	m := RPCMessage{Method: "file.upload", RequestType: RPCResponse, CorrelationID: "corr-1", Payload: []byte{1, 2, 3}}
	got, err := DecodeRPC(EncodeRPC(m))
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != m.Method || got.RequestType != m.RequestType || got.CorrelationID != m.CorrelationID {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeFileLegacyRoundTrip(t *testing.T) {
	m := FileMessage{SubVariant: FileMetadata, Body: []byte{1, 2}}
	got, err := DecodeFile(EncodeFile(m))
	if err != nil {
		t.Fatal(err)
	}
	if got.SubVariant != m.SubVariant {
		t.Fatalf("got sub-variant %v", got.SubVariant)
	}
}

func TestDecodeFileRejectsUnknownSubVariant(t *testing.T) {
	if _, err := DecodeFile([]byte{0xff}); err == nil {
		t.Fatal("expected error for unknown file sub-variant")
	}
}
