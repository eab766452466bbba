// Package qr renders raw pairing payloads into displayable QR code images.
package qr

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the rendered PNG edge length in pixels.
const DefaultSize = 256

// Renderer encodes pairing payloads as PNG data URLs suitable for direct use
// in an <img> tag. Stateless and safe for concurrent use. The zero value
// renders at DefaultSize.
type Renderer struct {
	Size int
}

// Render implements session.Renderer.
func (r Renderer) Render(payload string) (string, error) {
	if payload == "" {
		return "", fmt.Errorf("qr: empty pairing payload")
	}

	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("qr: encode: %w", err)
	}

	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
