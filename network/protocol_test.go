package network

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ping","timestamp":1}`)
	var buffer bytes.Buffer

	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	decoded, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Fatalf("decoded payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(&bytes.Buffer{}, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestMessageRoundTripPerKind(t *testing.T) {
	idx := 3
	messages := []Message{
		KeyExchange{Pub: bytes.Repeat([]byte{1}, 32), IdentityKey: bytes.Repeat([]byte{2}, 32), Signature: []byte{3}},
		Cipher{ID: "m1", Nonce: []byte{4, 5}, Ciphertext: []byte{6, 7, 8}, TTLMs: 500},
		Ack{ID: "m1", Status: "read"},
		FileMeta{FileID: "f1", Name: "a.txt", Size: 40, MIME: "text/plain", TotalChunks: 3, ChunkSize: 16},
		FileChunk{FileID: "f1", Idx: 2, Nonce: []byte{9}, Ciphertext: []byte{10}},
		FileAck{FileID: "f1", Idx: &idx},
		FileAck{FileID: "f1"},
		FileComplete{FileID: "f1"},
		FileMissing{FileID: "f1", Missing: []int{0, 2}},
		FileAbort{FileID: "f1", Reason: "too big"},
	}

	for _, msg := range messages {
		payload, err := EncodeMessage(msg)
		if err != nil {
			t.Fatalf("EncodeMessage(%s) failed: %v", msg.Kind(), err)
		}
		if !strings.Contains(string(payload), `"type":"`+msg.Kind()+`"`) {
			t.Fatalf("%s payload missing type discriminator: %s", msg.Kind(), payload)
		}

		decoded, err := DecodeMessage(payload)
		if err != nil {
			t.Fatalf("DecodeMessage(%s) failed: %v", msg.Kind(), err)
		}
		if decoded.Kind() != msg.Kind() {
			t.Fatalf("kind mismatch: %s != %s", decoded.Kind(), msg.Kind())
		}
	}
}

func TestCipherBytesTravelAsBase64(t *testing.T) {
	payload, err := EncodeMessage(Cipher{ID: "m1", Nonce: []byte("nonce"), Ciphertext: []byte("secret")})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	if strings.Contains(string(payload), "secret") {
		t.Fatalf("ciphertext bytes were not encoded: %s", payload)
	}

	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	cipher := decoded.(Cipher)
	if string(cipher.Ciphertext) != "secret" || string(cipher.Nonce) != "nonce" {
		t.Fatalf("cipher bytes mismatch: %+v", cipher)
	}
}

func TestFileAckDistinguishesFinalAck(t *testing.T) {
	payload, err := EncodeMessage(FileAck{FileID: "f1"})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if decoded.(FileAck).Idx != nil {
		t.Fatalf("final ack decoded with an index")
	}

	zero := 0
	payload, _ = EncodeMessage(FileAck{FileID: "f1", Idx: &zero})
	decoded, _ = DecodeMessage(payload)
	if got := decoded.(FileAck).Idx; got == nil || *got != 0 {
		t.Fatalf("chunk 0 ack lost its index")
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	decoded, err := DecodeMessage([]byte(`{"type":"reaction","emoji":"x"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	unknown, ok := decoded.(Unknown)
	if !ok || unknown.Kind() != "reaction" {
		t.Fatalf("expected Unknown reaction, got %#v", decoded)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"id":"m1"}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
	if _, err := DecodeMessage([]byte(`{`)); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestEncodeRejectsUnknown(t *testing.T) {
	if _, err := EncodeMessage(Unknown{Type: "reaction"}); !errors.Is(err, ErrUnencodable) {
		t.Fatalf("expected ErrUnencodable, got %v", err)
	}
}
