// Package rpc carries sender-to-sender traffic over TCP. Frames are a
// 4-byte big-endian length followed by a msgpack envelope of
// {endpoint, data}; the peer answers with a framed msgpack string,
// "OK" on success or an error description.
package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// EndpointSend accepts an out-of-band notification for delivery.
	EndpointSend = "v0/send"
	// EndpointSlaveSend hands a fully prepared message to a slave.
	EndpointSlaveSend = "v0/slave_send"

	replyOK = "OK"

	// Frames above this size are refused before allocation.
	maxFrameSize = 4 << 20
)

type envelope struct {
	Endpoint string             `msgpack:"endpoint"`
	Data     msgpack.RawMessage `msgpack:"data"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return body, nil
}
