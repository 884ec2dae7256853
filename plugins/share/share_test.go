package share

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"connectd/plugins/plugintest"
	"connectd/protocol"
	"connectd/storage"
)

type shareEvent struct {
	kind  Kind
	value string
}

func newTestPlugin(t *testing.T, device *plugintest.Device, recorder Recorder) (*Plugin, string, *[]shareEvent) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "downloads")
	events := &[]shareEvent{}
	plugin := NewFactory(Options{
		DownloadDir: dir,
		Recorder:    recorder,
		OnShare: func(deviceID string, kind Kind, value string) {
			*events = append(*events, shareEvent{kind: kind, value: value})
		},
		Logger: zerolog.Nop(),
	}).New().(*Plugin)
	if err := plugin.Init(device); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := plugin.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = plugin.Stop() })
	return plugin, dir, events
}

func TestReceiveFileStoresPayloadWithUniqueNames(t *testing.T) {
	device := plugintest.NewDevice("dev-a")
	device.Payload = []byte("hello")
	plugin, dir, events := newTestPlugin(t, device, nil)

	pkt := protocol.MustPacket(PacketType, Body{Filename: "../../notes.txt"}).WithPayload(5, protocol.MinPayloadPort)
	for i := 0; i < 2; i++ {
		if err := plugin.HandlePacket(context.Background(), pkt); err != nil {
			t.Fatalf("HandlePacket failed: %v", err)
		}
	}
	plugin.receiver.Wait()

	for _, name := range []string{"notes.txt", "notes (1).txt"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || string(data) != "hello" {
			t.Fatalf("expected %s with payload, got %q (%v)", name, data, err)
		}
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
	if len(*events) != 2 || (*events)[0].kind != KindFile {
		t.Fatalf("unexpected share events %+v", *events)
	}

	transfers := device.Transfers()
	last := transfers[len(transfers)-1]
	if last.Status != storage.TransferStatusComplete || last.BytesTransferred != 5 || last.Direction != storage.TransferDirectionReceive {
		t.Fatalf("unexpected final transfer report %+v", last)
	}
}

func TestReceiveFailureRemovesTempFileAndRecordsFailure(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "connectd.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	device := plugintest.NewDevice("dev-a")
	device.ReceiveErr = errors.New("payload: stream ended before declared size")
	plugin, dir, events := newTestPlugin(t, device, store)

	pkt := protocol.MustPacket(PacketType, Body{Filename: "photo.jpg"}).WithPayload(1024, protocol.MinPayloadPort)
	if err := plugin.HandlePacket(context.Background(), pkt); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}
	plugin.receiver.Wait()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected download directory to stay empty, got %d entries", len(entries))
	}
	if len(*events) != 0 {
		t.Fatalf("expected no share event for a failed transfer")
	}

	rows, err := store.ListTransfers("dev-a", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one transfer row, got %d (%v)", len(rows), err)
	}
	if rows[0].Status != storage.TransferStatusFailed || rows[0].ErrorMessage == "" {
		t.Fatalf("unexpected transfer row %+v", rows[0])
	}
}

func TestTextAndURLShares(t *testing.T) {
	device := plugintest.NewDevice("dev-a")
	plugin, _, events := newTestPlugin(t, device, nil)

	for _, body := range []Body{{Text: "clipboard"}, {URL: "https://kde.org"}, {}} {
		if err := plugin.HandlePacket(context.Background(), protocol.MustPacket(PacketType, body)); err != nil {
			t.Fatalf("HandlePacket failed: %v", err)
		}
	}
	want := []shareEvent{{KindText, "clipboard"}, {KindURL, "https://kde.org"}}
	if len(*events) != 2 || (*events)[0] != want[0] || (*events)[1] != want[1] {
		t.Fatalf("unexpected events %+v", *events)
	}

	if err := plugin.SendURL("https://example.org"); err != nil {
		t.Fatalf("SendURL failed: %v", err)
	}
	pkt, _ := device.LastSent(PacketType)
	var sent Body
	if err := pkt.DecodeBody(&sent); err != nil || sent.URL != "https://example.org" {
		t.Fatalf("unexpected sent body %s", pkt.Body)
	}
}

func TestSendFileOffersPayloadAndRecordsTransfer(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "connectd.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	device := plugintest.NewDevice("dev-a")
	plugin, _, _ := newTestPlugin(t, device, store)

	source := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(source, []byte("pdf-bytes"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id, err := plugin.SendFile(context.Background(), source)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	pkt, ok := device.LastSent(PacketType)
	if !ok || !pkt.HasPayload() || pkt.PayloadSize != 9 {
		t.Fatalf("expected payload packet, got %+v", pkt)
	}
	if string(device.Uploaded(pkt.Body)) != "pdf-bytes" {
		t.Fatalf("unexpected uploaded bytes %q", device.Uploaded(pkt.Body))
	}

	row, err := store.GetTransfer(id)
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	if row.Status != storage.TransferStatusComplete || row.BytesTransferred != 9 || row.Direction != storage.TransferDirectionSend {
		t.Fatalf("unexpected transfer row %+v", row)
	}

	if _, err := plugin.SendFile(context.Background(), filepath.Dir(source)); err == nil {
		t.Fatalf("expected directories to be rejected")
	}
}

func TestReceiveRunsOffDispatchAndStopCancelsIt(t *testing.T) {
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "connectd.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	defer store.Close()

	started := make(chan struct{})
	device := plugintest.NewDevice("dev-a")
	device.Payload = []byte("never")
	device.ReceiveHook = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	plugin, dir, events := newTestPlugin(t, device, store)

	pkt := protocol.MustPacket(PacketType, Body{Filename: "stalled.bin"}).WithPayload(1<<20, protocol.MinPayloadPort)
	returned := make(chan error, 1)
	go func() { returned <- plugin.HandlePacket(context.Background(), pkt) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatalf("HandlePacket failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("HandlePacket blocked on the payload transfer")
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("receive never started")
	}

	// Text shares keep flowing while the payload is stalled.
	if err := plugin.HandlePacket(context.Background(), protocol.MustPacket(PacketType, Body{Text: "hi"})); err != nil {
		t.Fatalf("HandlePacket text failed: %v", err)
	}
	if len(*events) != 1 || (*events)[0].kind != KindText {
		t.Fatalf("expected text share during a stalled payload, got %+v", *events)
	}

	if err := plugin.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	plugin.receiver.Wait()

	rows, err := store.ListTransfers("dev-a", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected one transfer row, got %d (%v)", len(rows), err)
	}
	if rows[0].Status != storage.TransferStatusCancelled {
		t.Fatalf("expected cancelled transfer, got %+v", rows[0])
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no partial files, got %d entries", len(entries))
	}
}
