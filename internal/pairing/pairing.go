// Package pairing renders provider pairing codes for people to scan.
package pairing

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

const imageSize = 256

// DataURL renders code as a PNG QR image embedded in a data URL
func DataURL(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty pairing code")
	}
	png, err := qrcode.Encode(code, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("failed to render QR: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Text renders code as block characters for a terminal
func Text(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("failed to render QR: %w", err)
	}
	return q.ToSmallString(false), nil
}

// Printer writes pairing codes to a terminal
type Printer struct {
	out io.Writer
}

// NewTerminalPrinter returns a printer on stderr, or nil when stderr is not
// a terminal.
func NewTerminalPrinter() *Printer {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return &Printer{out: os.Stderr}
}

// NewPrinter returns a printer writing to w
func NewPrinter(w io.Writer) *Printer {
	return &Printer{out: w}
}

// Print shows code for a session. A nil printer prints nothing.
func (p *Printer) Print(sessionID, code string) error {
	if p == nil {
		return nil
	}
	text, err := Text(code)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.out, "QR para %s:\n%s\n", sessionID, text)
	return err
}
