package bridge

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/rtcbot/errs"
)

type reading struct {
	Sensor string  `json:"sensor" msgpack:"sensor"`
	Value  float64 `json:"value" msgpack:"value"`
}

func TestFrameRoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			w := newFrameWriter(&buf, codec)
			require.NoError(t, writeFrame(w, Envelope[reading]{Kind: KindData, Data: reading{Sensor: "imu", Value: 0.5}}))
			require.NoError(t, writeFrame(w, Envelope[reading]{Kind: KindReady, Ready: true}))
			require.NoError(t, writeFrame(w, Envelope[reading]{Kind: KindError, Error: "drift"}))
			require.NoError(t, writeFrame(w, Envelope[reading]{Kind: KindClose}))

			r := newFrameReader(&buf, codec)
			env, err := readFrame[reading](r)
			require.NoError(t, err)
			require.Equal(t, KindData, env.Kind)
			require.Equal(t, reading{Sensor: "imu", Value: 0.5}, env.Data)

			env, err = readFrame[reading](r)
			require.NoError(t, err)
			require.Equal(t, KindReady, env.Kind)
			require.True(t, env.Ready)

			env, err = readFrame[reading](r)
			require.NoError(t, err)
			require.Equal(t, "drift", env.Error)

			env, err = readFrame[reading](r)
			require.NoError(t, err)
			require.Equal(t, KindClose, env.Kind)

			_, err = readFrame[reading](r)
			require.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestFrameRejectsOversizedHeader(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
	_, err := readFrame[int](newFrameReader(bytes.NewReader(header[:]), JSONCodec{}))
	require.True(t, errs.HasCode(err, errs.CodeProtocol))
}

func TestFrameRejectsTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(newFrameWriter(&buf, JSONCodec{}), Envelope[int]{Kind: KindData, Data: 12}))
	truncated := buf.Bytes()[:buf.Len()-2]

	_, err := readFrame[int](newFrameReader(bytes.NewReader(truncated), JSONCodec{}))
	require.True(t, errs.HasCode(err, errs.CodeProtocol))

	_, err = readFrame[int](newFrameReader(bytes.NewReader([]byte{0, 0}), JSONCodec{}))
	require.True(t, errs.HasCode(err, errs.CodeProtocol))
}

func TestFrameRejectsUnknownKind(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(newFrameWriter(&buf, JSONCodec{}), Envelope[int]{Kind: "bogus"}))
	_, err := readFrame[int](newFrameReader(&buf, JSONCodec{}))
	require.True(t, errs.HasCode(err, errs.CodeProtocol))
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("")
	require.NoError(t, err)
	require.Equal(t, "json", c.Name())

	c, err = CodecByName("msgpack")
	require.NoError(t, err)
	require.IsType(t, MsgpackCodec{}, c)

	_, err = CodecByName("gob")
	require.True(t, errs.HasCode(err, errs.CodeInvalid))
}
