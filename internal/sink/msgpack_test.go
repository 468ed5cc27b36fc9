package sink

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, data []byte) []Frame {
	t.Helper()
	var frames []Frame
	require.NoError(t, ReadFrames(bytes.NewReader(data), func(f Frame) error {
		frames = append(frames, f)
		return nil
	}))
	return frames
}

func TestMsgpackStore_Frames(t *testing.T) {
	var buf bytes.Buffer
	m := NewMsgpackStore(&buf)
	require.NoError(t, m.Define(scalar("temp", 101)))
	require.NoError(t, m.Define(vector("wind", 101, 2)))
	m.SetGlobal("Station 7", "decoded")

	require.NoError(t, m.Append("temp", 0, 2, []float64{10.5, 11}))
	require.NoError(t, m.Append("wind", 0, 1, []float64{3, 270}))
	require.NoError(t, m.Close(context.Background()))

	frames := readAll(t, buf.Bytes())
	require.Len(t, frames, 3)

	h := frames[0]
	assert.Equal(t, FrameHeader, h.Type)
	assert.Equal(t, "Station 7", h.Title)
	assert.Equal(t, "decoded", h.History)
	require.Len(t, h.Columns, 2)
	assert.Equal(t, "temp", h.Columns[0].Name)
	assert.Equal(t, uint32(101), h.Columns[0].ArrayID)
	assert.Equal(t, "float", h.Columns[0].Type)
	assert.Equal(t, 2, h.Columns[1].Width)
	assert.Equal(t, "n", h.Columns[1].DimName)

	assert.Equal(t, FrameData, frames[1].Type)
	assert.Equal(t, "temp", frames[1].Column)
	assert.Equal(t, 0, frames[1].Start)
	assert.Equal(t, 2, frames[1].Count)
	assert.Equal(t, []float64{10.5, 11}, frames[1].Values)

	assert.Equal(t, "wind", frames[2].Column)
	assert.Equal(t, []float64{3, 270}, frames[2].Values)
}

func TestMsgpackStore_HeaderOnlyOnClose(t *testing.T) {
	var buf bytes.Buffer
	m := NewMsgpackStore(&buf)
	require.NoError(t, m.Define(scalar("temp", 101)))
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	frames := readAll(t, buf.Bytes())
	require.Len(t, frames, 1)
	assert.Equal(t, FrameHeader, frames[0].Type)

	assert.Error(t, m.Append("temp", 0, 1, []float64{1}))
}

func TestReadFrames_Checksum(t *testing.T) {
	var buf bytes.Buffer
	m := NewMsgpackStore(&buf)
	require.NoError(t, m.Define(scalar("temp", 101)))
	require.NoError(t, m.Append("temp", 0, 1, []float64{1}))
	require.NoError(t, m.Close(context.Background()))

	data := buf.Bytes()
	data[len(data)-1] ^= 0xff

	err := ReadFrames(bytes.NewReader(data), func(Frame) error { return nil })
	assert.ErrorIs(t, err, ErrFrameChecksum)
}

func TestReadFrames_Truncated(t *testing.T) {
	var buf bytes.Buffer
	m := NewMsgpackStore(&buf)
	require.NoError(t, m.Define(scalar("temp", 101)))
	require.NoError(t, m.Close(context.Background()))

	data := buf.Bytes()
	err := ReadFrames(bytes.NewReader(data[:len(data)-2]), func(Frame) error { return nil })
	assert.Error(t, err)
}
