package network

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/nimbusmq/broker/encoding"
)

// ErrProtocolError is returned by ReadPacket when the stream ends with a
// partially-read packet still buffered — a peer that closes mid-packet,
// per spec's connection-framer contract.
var ErrProtocolError = errors.New("network: connection closed mid-packet")

const defaultReadBufferSize = 8 * 1024

// Framer turns a byte stream into a sequence of MQTT control packets. It
// owns an incremental read buffer so a packet spanning multiple TCP
// reads is reassembled without the caller doing any buffering of its
// own. Grounded on the read_packet/write_packet/parse_packet loop in
// the broker this was distilled from.
type Framer struct {
	r       *bufio.Reader
	w       io.Writer
	version encoding.ProtocolVersion

	buf bytes.Buffer // bytes read but not yet consumed into a full packet
}

// NewFramer wraps a connection. The protocol version starts at 5.0 and
// is narrowed once CONNECT (broker side) or CONNACK (client side)
// reveals the negotiated version.
func NewFramer(rw io.ReadWriter) *Framer {
	return &Framer{
		r:       bufio.NewReaderSize(rw, defaultReadBufferSize),
		w:       rw,
		version: encoding.ProtocolVersion50,
	}
}

// SetVersion narrows packet parsing to a negotiated protocol version.
func (f *Framer) SetVersion(v encoding.ProtocolVersion) {
	f.version = v
}

// Version returns the framer's current protocol version.
func (f *Framer) Version() encoding.ProtocolVersion {
	return f.version
}

// ReadPacket reads and decodes exactly one control packet, blocking on
// the underlying reader as needed. A clean close (EOF with nothing
// buffered) returns io.EOF; EOF with a partial packet buffered returns
// ErrProtocolError.
func (f *Framer) ReadPacket() (encoding.Packet, error) {
	if _, err := f.r.Peek(1); err != nil {
		return nil, err
	}

	fh, err := encoding.ParseFixedHeaderWithVersion(f.r, f.version)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, encoding.ErrUnexpectedEOF) {
			return nil, ErrProtocolError
		}
		return nil, err
	}

	body := &io.LimitedReader{R: f.r, N: int64(fh.RemainingLength)}
	pkt, err := encoding.DecodePacket(body, fh, f.version)
	if err != nil {
		if body.N > 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, encoding.ErrUnexpectedEOF)) {
			return nil, ErrProtocolError
		}
		return nil, err
	}

	return pkt, nil
}

// WritePacket encodes a packet and flushes it to the transport in one
// shot; MQTT packets are never partially written.
func (f *Framer) WritePacket(p interface{ Encode(io.Writer) error }) error {
	var buf bytes.Buffer
	if err := p.Encode(&buf); err != nil {
		return err
	}
	_, err := f.w.Write(buf.Bytes())
	return err
}
