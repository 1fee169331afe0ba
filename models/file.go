package models

// TransferStatus tracks a chunked file transfer.
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in_progress"
	TransferComplete   TransferStatus = "complete"
	TransferFailed     TransferStatus = "failed"
)

// Valid reports whether s is a known transfer status.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferPending, TransferInProgress, TransferComplete, TransferFailed:
		return true
	default:
		return false
	}
}

// FileTransfer is the persisted record of one file transfer in either direction.
type FileTransfer struct {
	FileID      string         `json:"file_id"`
	PeerID      string         `json:"peer_id"`
	Direction   Direction      `json:"direction"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	MIME        string         `json:"mime"`
	TotalChunks int            `json:"total_chunks"`
	ChunkSize   int            `json:"chunk_size"`
	Status      TransferStatus `json:"status"`
	UpdatedAt   int64          `json:"updated_at"`
}
