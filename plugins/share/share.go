// Package share receives files, text and links from a device and sends
// local files to it.
package share

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"connectd/models"
	"connectd/plugins"
	"connectd/protocol"
	"connectd/storage"
)

const (
	Name       = "share"
	PacketType = "kdeconnect.share.request"

	progressStep = 1 << 20
)

// Body is the body of a share request.
type Body struct {
	Filename         string `json:"filename,omitempty"`
	Text             string `json:"text,omitempty"`
	URL              string `json:"url,omitempty"`
	Open             bool   `json:"open,omitempty"`
	LastModified     int64  `json:"lastModified,omitempty"`
	NumberOfFiles    int    `json:"numberOfFiles,omitempty"`
	TotalPayloadSize int64  `json:"totalPayloadSize,omitempty"`
}

// Kind names what a share request carried.
type Kind string

const (
	KindFile Kind = "file"
	KindText Kind = "text"
	KindURL  Kind = "url"
)

// Handler observes completed shares. value is the stored path for files.
type Handler func(deviceID string, kind Kind, value string)

// Recorder persists transfer rows.
type Recorder interface {
	CreateTransfer(transfer storage.Transfer) (string, error)
	UpdateTransferProgress(transferID string, bytesTransferred int64, status, errorMessage string) error
}

// Options configures the share plugin.
type Options struct {
	DownloadDir string
	Recorder    Recorder
	OnShare     Handler
	Logger      zerolog.Logger
}

// Plugin is one device's share endpoint.
type Plugin struct {
	opts   Options
	device plugins.Device
	logger zerolog.Logger

	// Receives run here so a slow sender never stalls packet dispatch.
	receiver *plugins.Worker

	// Serializes picking a destination name with creating it.
	nameMu sync.Mutex
}

// NewFactory registers the share plugin.
func NewFactory(opts Options) plugins.Factory {
	logger := opts.Logger.With().Str("plugin", Name).Logger()
	return plugins.Factory{
		Name:     Name,
		Incoming: []string{PacketType},
		Outgoing: []string{PacketType},
		New: func() plugins.Plugin {
			return &Plugin{opts: opts, logger: logger, receiver: plugins.NewWorker(Name, 0, logger)}
		},
	}
}

func (p *Plugin) Name() string                   { return Name }
func (p *Plugin) IncomingCapabilities() []string { return []string{PacketType} }
func (p *Plugin) OutgoingCapabilities() []string { return []string{PacketType} }

func (p *Plugin) Init(device plugins.Device) error {
	if p.opts.DownloadDir == "" {
		return errors.New("share: download directory is required")
	}
	p.device = device
	return nil
}

// Start runs the receive queue until ctx ends. Closing the device's link
// cancels ctx and with it any transfer in flight.
func (p *Plugin) Start(ctx context.Context) error {
	p.receiver.Start(ctx)
	return nil
}

func (p *Plugin) Stop() error {
	p.receiver.Stop()
	return nil
}

func (p *Plugin) HandlePacket(_ context.Context, pkt protocol.Packet) error {
	var body Body
	if err := pkt.DecodeBody(&body); err != nil {
		return err
	}

	switch {
	case pkt.HasPayload():
		return p.receiver.Submit(func(ctx context.Context) error {
			_, err := p.receiveFile(ctx, pkt, body)
			return err
		})
	case body.Text != "":
		p.notify(KindText, body.Text)
	case body.URL != "":
		p.notify(KindURL, body.URL)
	default:
		p.logger.Debug().Str("device_id", p.device.ID()).Msg("empty share request ignored")
	}
	return nil
}

// SendText shares text with the device.
func (p *Plugin) SendText(text string) error {
	return p.device.Send(protocol.MustPacket(PacketType, Body{Text: text}))
}

// SendURL shares a link with the device.
func (p *Plugin) SendURL(url string) error {
	return p.device.Send(protocol.MustPacket(PacketType, Body{URL: url}))
}

// SendFile offers a local file as a payload and blocks until the device has
// read it. It returns the transfer id.
func (p *Plugin) SendFile(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	transfer := models.TransferProgress{
		DeviceID:  p.device.ID(),
		Direction: storage.TransferDirectionSend,
		Filename:  filepath.Base(path),
		Filesize:  info.Size(),
	}
	transfer.TransferID = p.begin(transfer, path)

	pkt := protocol.MustPacket(PacketType, Body{
		Filename:         transfer.Filename,
		LastModified:     info.ModTime().UnixMilli(),
		NumberOfFiles:    1,
		TotalPayloadSize: info.Size(),
	})
	err = p.device.SendWithPayload(ctx, pkt, file, info.Size())
	if err != nil {
		p.finish(transfer, 0, err)
		return transfer.TransferID, err
	}
	p.finish(transfer, info.Size(), nil)
	return transfer.TransferID, nil
}

func (p *Plugin) receiveFile(ctx context.Context, pkt protocol.Packet, body Body) (string, error) {
	name := sanitizeFilename(body.Filename)

	p.nameMu.Lock()
	if err := os.MkdirAll(p.opts.DownloadDir, 0o700); err != nil {
		p.nameMu.Unlock()
		return "", fmt.Errorf("create download directory: %w", err)
	}
	finalPath := uniquePath(p.opts.DownloadDir, name)
	tempFile, err := os.CreateTemp(p.opts.DownloadDir, "."+filepath.Base(finalPath)+".*.part")
	p.nameMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	transfer := models.TransferProgress{
		DeviceID:  p.device.ID(),
		Direction: storage.TransferDirectionReceive,
		Filename:  name,
		Filesize:  pkt.PayloadSize,
	}
	transfer.TransferID = p.begin(transfer, finalPath)

	var nextReport int64 = progressStep
	n, err := p.device.ReceivePayload(ctx, pkt, tempFile, func(done int64) {
		if done < nextReport {
			return
		}
		nextReport = done + progressStep
		update := transfer
		update.BytesTransferred = done
		update.Status = storage.TransferStatusActive
		p.device.ReportTransfer(update)
	})
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tempPath, finalPath)
	}
	if err != nil {
		_ = os.Remove(tempPath)
		p.finish(transfer, n, err)
		return "", err
	}

	p.finish(transfer, n, nil)
	p.logger.Info().Str("device_id", p.device.ID()).Str("path", finalPath).Int64("bytes", n).Msg("file received")
	p.notify(KindFile, finalPath)
	return finalPath, nil
}

func (p *Plugin) begin(transfer models.TransferProgress, path string) string {
	transfer.Status = storage.TransferStatusActive
	if p.opts.Recorder != nil {
		id, err := p.opts.Recorder.CreateTransfer(storage.Transfer{
			DeviceID:   transfer.DeviceID,
			Direction:  transfer.Direction,
			Filename:   transfer.Filename,
			Filesize:   transfer.Filesize,
			StoredPath: path,
			Status:     storage.TransferStatusActive,
		})
		if err != nil {
			p.logger.Warn().Err(err).Msg("record transfer failed")
		} else {
			transfer.TransferID = id
		}
	}
	p.device.ReportTransfer(transfer)
	return transfer.TransferID
}

func (p *Plugin) finish(transfer models.TransferProgress, transferred int64, err error) {
	transfer.BytesTransferred = transferred
	transfer.Status = storage.TransferStatusComplete
	if err != nil {
		transfer.Status = storage.TransferStatusFailed
		if errors.Is(err, context.Canceled) {
			transfer.Status = storage.TransferStatusCancelled
		}
		transfer.Error = err.Error()
	}
	if p.opts.Recorder != nil && transfer.TransferID != "" {
		if updateErr := p.opts.Recorder.UpdateTransferProgress(transfer.TransferID, transferred, transfer.Status, transfer.Error); updateErr != nil {
			p.logger.Warn().Err(updateErr).Msg("update transfer failed")
		}
	}
	p.device.ReportTransfer(transfer)
}

func (p *Plugin) notify(kind Kind, value string) {
	p.logger.Info().Str("device_id", p.device.ID()).Str("kind", string(kind)).Msg("share received")
	if p.opts.OnShare != nil {
		p.opts.OnShare(p.device.ID(), kind, value)
	}
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "received.bin"
	}
	return name
}

// uniquePath returns dir/name, or dir/"stem (n).ext" when that exists.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}
