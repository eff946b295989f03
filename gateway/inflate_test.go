package gateway

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flushSegment compresses one payload onto the continuous stream and returns
// the sync-flushed segment, ending with the 00 00 FF FF marker.
func flushSegment(t *testing.T, zw *zlib.Writer, buf *bytes.Buffer, payload []byte) []byte {
	t.Helper()

	_, err := zw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Flush())

	segment := make([]byte, buf.Len())
	copy(segment, buf.Bytes())
	buf.Reset()

	require.True(t, bytes.HasSuffix(segment, zlibSuffix))
	return segment
}

func TestInflateIncompleteFrameYieldsNothing(t *testing.T) {
	decoder, err := newInflateContext()
	require.NoError(t, err)
	defer decoder.Close()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	defer zw.Close()

	payload := []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)
	segment := flushSegment(t, zw, &buf, payload)

	// Everything but the final two marker bytes: no payload may be yielded
	out, err := decoder.HandleCompressed(segment[:len(segment)-2])
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = decoder.HandleCompressed(segment[len(segment)-2:])
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestInflatePayloadSequenceAcrossConnectionStream(t *testing.T) {
	decoder, err := newInflateContext()
	require.NoError(t, err)
	defer decoder.Close()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	defer zw.Close()

	payloads := [][]byte{
		[]byte(`{"op":10,"d":{"heartbeat_interval":41250}}`),
		[]byte(`{"op":11}`),
		[]byte(`{"op":0,"s":1,"t":"READY","d":{"session_id":"abc"}}`),
	}

	for _, payload := range payloads {
		segment := flushSegment(t, zw, &buf, payload)

		out, err := decoder.HandleCompressed(segment)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}
}

func TestInflateRandomChunkingRoundTrip(t *testing.T) {
	decoder, err := newInflateContext()
	require.NoError(t, err)
	defer decoder.Close()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	defer zw.Close()

	rng := rand.New(rand.NewSource(42))

	var want bytes.Buffer
	var got bytes.Buffer

	for i := 0; i < 50; i++ {
		payload := []byte(fmt.Sprintf(`{"op":0,"s":%d,"t":"MESSAGE_CREATE","d":{"content":"%d"}}`, i+1, rng.Int63()))
		want.Write(payload)

		segment := flushSegment(t, zw, &buf, payload)

		// Deliver the segment in arbitrary chunk sizes, as a raw transport
		// would
		for len(segment) > 0 {
			n := 1 + rng.Intn(len(segment))
			chunk := segment[:n]
			segment = segment[n:]

			out, err := decoder.HandleCompressed(chunk)
			require.NoError(t, err)
			got.Write(out)
		}
	}

	assert.Equal(t, want.Bytes(), got.Bytes())
}

func TestInflateLargePayload(t *testing.T) {
	decoder, err := newInflateContext()
	require.NoError(t, err)
	defer decoder.Close()

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	defer zw.Close()

	// Larger than one scratch buffer to force multiple drain iterations
	payload := bytes.Repeat([]byte(`{"k":"v"}`), (decompBufferSize/9)+128)
	segment := flushSegment(t, zw, &buf, payload)

	out, err := decoder.HandleCompressed(segment)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}
