package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultKeepAliveInterval sends ping on idle frame transports.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Session wire kinds.
const (
	TypeKeyExchange  = "key_exchange"
	TypeCipher       = "cipher"
	TypeAck          = "ack"
	TypeFileMeta     = "file_meta"
	TypeFileChunk    = "file_chunk"
	TypeFileAck      = "file_ack"
	TypeFileComplete = "file_complete"
	TypeFileMissing  = "file_missing"
	TypeFileAbort    = "file_abort"
)

// Transport-level kinds handled inside FrameTransport and never surfaced.
const (
	TypePing           = "ping"
	TypePong           = "pong"
	TypePeerDisconnect = "peer_disconnect"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidMessageType indicates the message type is missing.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrUnencodable indicates a value outside the wire union was passed to EncodeMessage.
	ErrUnencodable = errors.New("network: message kind cannot be encoded")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// Message is the closed union of session wire kinds. Byte slices travel as
// base64 strings in JSON.
type Message interface {
	Kind() string
}

// KeyExchange carries the sender's ephemeral X25519 public key. IdentityKey and
// Signature bind it to a long-term Ed25519 identity when present.
type KeyExchange struct {
	Type        string `json:"type"`
	Pub         []byte `json:"pub"`
	IdentityKey []byte `json:"identityKey,omitempty"`
	Signature   []byte `json:"signature,omitempty"`
}

// Cipher is one encrypted application message.
type Cipher struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	TTLMs      int64  `json:"ttlMs,omitempty"`
}

// Ack reports a delivery status for a message id.
type Ack struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// FileMeta opens a chunked transfer.
type FileMeta struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MIME        string `json:"mime"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int    `json:"chunkSize"`
}

// FileChunk is one separately encrypted slice of a file.
type FileChunk struct {
	Type       string `json:"type"`
	FileID     string `json:"fileId"`
	Idx        int    `json:"idx"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// FileAck acknowledges one chunk, or the whole transfer when Idx is nil.
type FileAck struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Idx    *int   `json:"idx,omitempty"`
}

// FileComplete tells the receiver every chunk has been sent.
type FileComplete struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
}

// FileMissing lists chunk indices the receiver still lacks at completion.
type FileMissing struct {
	Type    string `json:"type"`
	FileID  string `json:"fileId"`
	Missing []int  `json:"missing"`
}

// FileAbort cancels a transfer from either side.
type FileAbort struct {
	Type   string `json:"type"`
	FileID string `json:"fileId"`
	Reason string `json:"reason,omitempty"`
}

// Unknown is any frame whose type is not a known session kind.
type Unknown struct {
	Type string
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PeerDisconnect signals graceful disconnect.
type PeerDisconnect struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func (KeyExchange) Kind() string  { return TypeKeyExchange }
func (Cipher) Kind() string       { return TypeCipher }
func (Ack) Kind() string          { return TypeAck }
func (FileMeta) Kind() string     { return TypeFileMeta }
func (FileChunk) Kind() string    { return TypeFileChunk }
func (FileAck) Kind() string      { return TypeFileAck }
func (FileComplete) Kind() string { return TypeFileComplete }
func (FileMissing) Kind() string  { return TypeFileMissing }
func (FileAbort) Kind() string    { return TypeFileAbort }
func (u Unknown) Kind() string    { return u.Type }

// EncodeMessage stamps the discriminator and marshals a session message.
func EncodeMessage(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case KeyExchange:
		m.Type = TypeKeyExchange
		return EncodeJSON(m)
	case Cipher:
		m.Type = TypeCipher
		return EncodeJSON(m)
	case Ack:
		m.Type = TypeAck
		return EncodeJSON(m)
	case FileMeta:
		m.Type = TypeFileMeta
		return EncodeJSON(m)
	case FileChunk:
		m.Type = TypeFileChunk
		return EncodeJSON(m)
	case FileAck:
		m.Type = TypeFileAck
		return EncodeJSON(m)
	case FileComplete:
		m.Type = TypeFileComplete
		return EncodeJSON(m)
	case FileMissing:
		m.Type = TypeFileMissing
		return EncodeJSON(m)
	case FileAbort:
		m.Type = TypeFileAbort
		return EncodeJSON(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnencodable, msg)
	}
}

// DecodeMessage parses one session frame. Frames with an unrecognised type
// decode to Unknown without error.
func DecodeMessage(payload []byte) (Message, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeKeyExchange:
		return decodeAs[KeyExchange](payload)
	case TypeCipher:
		return decodeAs[Cipher](payload)
	case TypeAck:
		return decodeAs[Ack](payload)
	case TypeFileMeta:
		return decodeAs[FileMeta](payload)
	case TypeFileChunk:
		return decodeAs[FileChunk](payload)
	case TypeFileAck:
		return decodeAs[FileAck](payload)
	case TypeFileComplete:
		return decodeAs[FileComplete](payload)
	case TypeFileMissing:
		return decodeAs[FileMissing](payload)
	case TypeFileAbort:
		return decodeAs[FileAbort](payload)
	default:
		return Unknown{Type: msgType}, nil
	}
}

func decodeAs[T Message](payload []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Kind(), err)
	}
	return msg, nil
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
