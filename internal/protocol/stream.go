package protocol

import (
	"fmt"
	"io"
)

// ReadPacket reads exactly one packet from r. The header is validated
// before the body is read, so a peer sending garbage is detected without
// trusting its length field. A clean close before any header byte returns
// io.EOF.
func ReadPacket(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %v", ErrTooShort, err)
		}
		return nil, err
	}
	h, err := PeekHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, h.Length)
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return buf, nil
}

// WritePacket writes a complete packet to w.
func WritePacket(w io.Writer, pkt []byte) error {
	_, err := w.Write(pkt)
	return err
}
