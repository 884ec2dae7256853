package storage

import (
	"errors"
	"testing"
)

func TestTransferLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateTransfer(Transfer{
		DeviceID:  "dev-a",
		Direction: TransferDirectionReceive,
		Filename:  "photo.jpg",
		Filesize:  2048,
	})
	if err != nil {
		t.Fatalf("CreateTransfer failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated transfer id")
	}

	if err := store.UpdateTransferProgress(id, 512, TransferStatusActive, ""); err != nil {
		t.Fatalf("UpdateTransferProgress active failed: %v", err)
	}
	if err := store.UpdateTransferProgress(id, 512, TransferStatusFailed, "short payload"); err != nil {
		t.Fatalf("UpdateTransferProgress failed failed: %v", err)
	}

	transfer, err := store.GetTransfer(id)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if transfer.Status != TransferStatusFailed || transfer.BytesTransferred != 512 || transfer.ErrorMessage != "short payload" {
		t.Fatalf("unexpected transfer state: %+v", transfer)
	}

	if _, err := store.CreateTransfer(Transfer{
		TransferID: "t-2",
		DeviceID:   "dev-b",
		Direction:  TransferDirectionSend,
		Filename:   "notes.txt",
		Filesize:   10,
	}); err != nil {
		t.Fatalf("CreateTransfer second failed: %v", err)
	}

	forA, err := store.ListTransfers("dev-a", 10)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(forA) != 1 || forA[0].TransferID != id {
		t.Fatalf("unexpected transfers for dev-a: %+v", forA)
	}

	all, err := store.ListTransfers("", 0)
	if err != nil {
		t.Fatalf("ListTransfers all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 transfers, got %d", len(all))
	}
}

func TestTransferValidation(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateTransfer(Transfer{DeviceID: "dev-a", Direction: "sideways", Filename: "x"}); err == nil {
		t.Fatalf("expected invalid direction to fail")
	}
	if err := store.UpdateTransferProgress("missing", 0, TransferStatusComplete, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateTransferProgress("missing", 0, "exploded", ""); err == nil {
		t.Fatalf("expected invalid status to fail")
	}
}
