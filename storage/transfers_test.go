package storage

import (
	"errors"
	"testing"

	"peerlink/models"
)

func TestTransferRecordLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store recordStore) {
		transfer := models.FileTransfer{
			FileID:      "file-1",
			PeerID:      "peer-1",
			Direction:   models.DirectionInbound,
			Name:        "notes.txt",
			Size:        10,
			MIME:        "text/plain",
			TotalChunks: 1,
			ChunkSize:   16,
			Status:      models.TransferInProgress,
		}
		if err := store.SaveTransfer(transfer); err != nil {
			t.Fatalf("SaveTransfer failed: %v", err)
		}
		if err := store.UpdateTransferStatus("file-1", models.TransferComplete); err != nil {
			t.Fatalf("UpdateTransferStatus failed: %v", err)
		}

		got, err := store.GetTransfer("file-1")
		if err != nil {
			t.Fatalf("GetTransfer failed: %v", err)
		}
		if got.Status != models.TransferComplete || got.Name != "notes.txt" || got.TotalChunks != 1 {
			t.Fatalf("unexpected transfer: %+v", got)
		}

		if err := store.UpdateTransferStatus("missing", models.TransferFailed); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := store.UpdateTransferStatus("file-1", models.TransferStatus("bogus")); err == nil {
			t.Fatalf("expected invalid status to fail")
		}
	})
}
