package net

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single message payload. Save-file chunks are far
// smaller; the limit mostly guards exported character blobs and rosters.
const MaxFrameSize = 4 << 20

// ReadFrame reads one frame from r.
// Wire format: [4 bytes LE: payload length][payload]. Payload byte 0 is the opcode.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	payloadLen := int(binary.LittleEndian.Uint32(header[:]))
	if payloadLen <= 0 || payloadLen > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length: %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", payloadLen, err)
	}
	return payload, nil
}

// WriteFrame writes one frame to w as a single Write call.
func WriteFrame(w io.Writer, data []byte) error {
	if len(data) == 0 || len(data) > MaxFrameSize {
		return fmt.Errorf("invalid frame length: %d", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
