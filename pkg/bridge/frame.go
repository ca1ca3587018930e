package bridge

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/coachpo/rtcbot/errs"
)

// MaxFrameSize caps a single encoded envelope.
const MaxFrameSize = 16 << 20

// Kind tags what an envelope carries.
type Kind string

const (
	KindData  Kind = "data"
	KindReady Kind = "ready"
	KindError Kind = "error"
	KindClose Kind = "close"
)

// Envelope is one message between a parent and its child process.
type Envelope[T any] struct {
	Kind  Kind   `json:"kind" msgpack:"kind"`
	Data  T      `json:"data,omitempty" msgpack:"data,omitempty"`
	Ready bool   `json:"ready,omitempty" msgpack:"ready,omitempty"`
	Error string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Codec serializes envelopes. Both ends of a pipe must agree on it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes envelopes as JSON.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec encodes envelopes as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string                       { return "msgpack" }
func (MsgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (MsgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

// CodecByName resolves a codec from configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, errs.New("bridge/codec", errs.CodeInvalid,
			errs.WithMessage("unknown codec"), errs.WithField("codec", name))
	}
}

// frameWriter writes length prefixed envelopes. It is not safe for concurrent use.
type frameWriter struct {
	w     *bufio.Writer
	codec Codec
}

func newFrameWriter(w io.Writer, codec Codec) *frameWriter {
	return &frameWriter{w: bufio.NewWriter(w), codec: codec}
}

func writeFrame[T any](fw *frameWriter, env Envelope[T]) error {
	payload, err := fw.codec.Marshal(env)
	if err != nil {
		return errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage("encode envelope"), errs.WithField("codec", fw.codec.Name()), errs.WithCause(err))
	}
	if len(payload) > MaxFrameSize {
		return errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("frame of %d bytes exceeds limit", len(payload))))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return fw.w.Flush()
}

// frameReader reads length prefixed envelopes.
type frameReader struct {
	r     *bufio.Reader
	codec Codec
}

func newFrameReader(r io.Reader, codec Codec) *frameReader {
	return &frameReader{r: bufio.NewReader(r), codec: codec}
}

// readFrame returns io.EOF when the stream ends cleanly between frames.
func readFrame[T any](fr *frameReader) (Envelope[T], error) {
	var env Envelope[T]
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return env, errs.New("bridge/frame", errs.CodeProtocol,
				errs.WithMessage("truncated frame header"), errs.WithCause(err))
		}
		return env, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return env, errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage(fmt.Sprintf("frame of %d bytes exceeds limit", size)))
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return env, errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage("truncated frame"), errs.WithCause(err))
	}
	if err := fr.codec.Unmarshal(payload, &env); err != nil {
		return env, errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage("decode envelope"), errs.WithField("codec", fr.codec.Name()), errs.WithCause(err))
	}
	switch env.Kind {
	case KindData, KindReady, KindError, KindClose:
		return env, nil
	default:
		return env, errs.New("bridge/frame", errs.CodeProtocol,
			errs.WithMessage("unknown envelope kind"), errs.WithField("kind", string(env.Kind)))
	}
}
