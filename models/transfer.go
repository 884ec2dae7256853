package models

// TransferProgress reports the state of one payload transfer.
type TransferProgress struct {
	TransferID       string `json:"transfer_id"`
	DeviceID         string `json:"device_id"`
	Direction        string `json:"direction"`
	Filename         string `json:"filename"`
	Filesize         int64  `json:"filesize"`
	BytesTransferred int64  `json:"bytes_transferred"`
	Status           string `json:"status"`
	Error            string `json:"error,omitempty"`
}
