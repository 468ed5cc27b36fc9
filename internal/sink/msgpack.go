package sink

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/Basekick-Labs/msgpack/v6"
	"github.com/basekick-labs/csiconv/internal/assemble"
	"github.com/basekick-labs/csiconv/internal/metrics"
)

// Frame layout: payload length (uint32), CRC32 of the payload (uint32), then
// the MessagePack payload.
const (
	frameHeaderSize = 8
	maxFramePayload = 256 * 1024 * 1024
)

// Frame types
const (
	FrameHeader = "header"
	FrameData   = "data"
)

// FrameColumn describes one column in the header frame.
type FrameColumn struct {
	Name    string            `msgpack:"name"`
	ArrayID uint32            `msgpack:"array_id"`
	Type    string            `msgpack:"type"`
	Width   int               `msgpack:"width"`
	DimName string            `msgpack:"dim_name,omitempty"`
	Fill    float64           `msgpack:"fill"`
	Attrs   map[string]string `msgpack:"attrs,omitempty"`
}

// Frame is one message of the msgpack output stream. The header frame is
// written once, before the first data frame.
type Frame struct {
	Type    string        `msgpack:"type"`
	Title   string        `msgpack:"title,omitempty"`
	History string        `msgpack:"history,omitempty"`
	Columns []FrameColumn `msgpack:"columns,omitempty"`

	Column string    `msgpack:"column,omitempty"`
	Start  int       `msgpack:"start"`
	Count  int       `msgpack:"count"`
	Values []float64 `msgpack:"values,omitempty"`
}

// ErrFrameChecksum is returned by ReadFrames for a corrupted frame.
var ErrFrameChecksum = errors.New("msgpack frame checksum mismatch")

// MsgpackStore streams every flush as a length-prefixed MessagePack frame.
type MsgpackStore struct {
	registry
	w       *bufio.Writer
	title   string
	history string
	started bool
	closed  bool
	written int64
}

// NewMsgpackStore creates a store writing frames to w. w is not closed by
// Close.
func NewMsgpackStore(w io.Writer) *MsgpackStore {
	return &MsgpackStore{registry: newRegistry(), w: bufio.NewWriter(w)}
}

func (m *MsgpackStore) Define(col assemble.ColumnSpec) error {
	return m.define(col)
}

func (m *MsgpackStore) SetGlobal(title, history string) {
	m.title, m.history = title, history
}

func (m *MsgpackStore) Append(name string, start, count int, values []float64) error {
	if m.closed {
		return fmt.Errorf("append to %s: store closed", name)
	}
	if _, err := m.check(name, start, count, values); err != nil {
		return err
	}
	if err := m.header(); err != nil {
		return err
	}
	return m.frame(Frame{Type: FrameData, Column: name, Start: start, Count: count, Values: values})
}

// header writes the header frame if it has not been written yet.
func (m *MsgpackStore) header() error {
	if m.started {
		return nil
	}
	m.started = true

	h := Frame{Type: FrameHeader, Title: m.title, History: m.history}
	for _, name := range m.order {
		spec := m.columns[name].spec
		h.Columns = append(h.Columns, FrameColumn{
			Name:    spec.Name,
			ArrayID: spec.ArrayID,
			Type:    spec.Type.String(),
			Width:   spec.Width(),
			DimName: spec.DimName,
			Fill:    spec.Fill(),
			Attrs:   spec.Attrs.Metadata(),
		})
	}
	return m.frame(h)
}

func (m *MsgpackStore) frame(f Frame) error {
	payload, err := msgpack.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	if len(payload) > maxFramePayload {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), maxFramePayload)
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := m.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := m.w.Write(payload); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	m.written += int64(len(payload)) + frameHeaderSize
	return nil
}

// Close writes the header if nothing was appended and flushes the stream.
func (m *MsgpackStore) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.header(); err != nil {
		return err
	}
	if err := m.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush msgpack output: %w", err)
	}
	metrics.Get().IncBytesWritten(m.written)
	return nil
}

// ReadFrames decodes the frames of r and calls fn for each one until r is
// exhausted.
func ReadFrames(r io.Reader, fn func(Frame) error) error {
	br := bufio.NewReader(r)
	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read frame header: %w", err)
		}
		size := binary.BigEndian.Uint32(hdr[0:4])
		if size > maxFramePayload {
			return fmt.Errorf("frame of %d bytes exceeds limit %d", size, maxFramePayload)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(hdr[4:8]) {
			return ErrFrameChecksum
		}

		var f Frame
		if err := msgpack.Unmarshal(payload, &f); err != nil {
			return fmt.Errorf("failed to decode frame: %w", err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}
