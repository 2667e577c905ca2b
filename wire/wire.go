// Package wire implements the framed inter-node RPC protocol from
// spec.md §6: "a framed RPC carrying (message-kind, invocation-opt,
// payload-bytes)... Frames are length-prefixed; payload encoding is
// implementation-defined but must be deterministic."
//
// Framing is a varint size header followed by the message bytes, read
// back with a reusable buffer. Payloads are marshaled with
// encoding/gob -- a plain stdlib codec over named, pre-registered
// types, with no protobuf/.proto step to keep in sync. Struct, slice
// and scalar values encode to the same bytes every time; map values
// (RemoteProcessPayload's Emit/EmitInvocation, a map[string]any
// message) are written in Go's map iteration order, so two encodings
// of the same map can differ byte for byte.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/softwarelanguageslab/skitter/token"
)

// Kind identifies the payload carried by one frame, per spec.md §6's
// message-kind list.
type Kind byte

const (
	WorkerMsg Kind = iota
	DeployRemoteCreate
	RemoteProcess
	RegistryPut
	RegistryDel
	TagsPut
	TagsDel
	SubscribeUp
	SubscribeDown
	Ping
	Pong
)

func (k Kind) String() string {
	switch k {
	case WorkerMsg:
		return "WORKER_MSG"
	case DeployRemoteCreate:
		return "DEPLOY_REMOTE_CREATE"
	case RemoteProcess:
		return "REMOTE_PROCESS"
	case RegistryPut:
		return "REGISTRY_PUT"
	case RegistryDel:
		return "REGISTRY_DEL"
	case TagsPut:
		return "TAGS_PUT"
	case TagsDel:
		return "TAGS_DEL"
	case SubscribeUp:
		return "SUBSCRIBE_UP"
	case SubscribeDown:
		return "SUBSCRIBE_DOWN"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	default:
		return fmt.Sprintf("KIND(%d)", k)
	}
}

// Frame is one message crossing the wire: a kind, an optional
// invocation token, and an already-encoded payload.
type Frame struct {
	Kind          Kind
	Invocation    token.Invocation
	HasInvocation bool
	Payload       []byte
}

// ByteReadReader is the minimal reader ReadFrame needs, letting
// callers wrap a plain net.Conn in a bufio.Reader once and reuse it.
type ByteReadReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame writes f to w as: 1 kind byte, 1 has-invocation byte,
// 16 invocation bytes if present, a varint payload length, then the
// payload.
func WriteFrame(w io.Writer, f Frame) error {
	if _, err := w.Write([]byte{byte(f.Kind)}); err != nil {
		return err
	}
	if f.HasInvocation {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		b := [16]byte(f.Invocation)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	} else {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}

	varint := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(varint, uint64(len(f.Payload)))
	if _, err := w.Write(varint[:n]); err != nil {
		return err
	}
	_, err := w.Write(f.Payload)
	return err
}

// ReadFrame reads one frame from r, reusing *buf for the payload when
// it is large enough.
func ReadFrame(r ByteReadReader, buf *[]byte) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return Frame{}, err
	}
	f := Frame{Kind: Kind(hdr[0])}

	if _, err := io.ReadFull(r, hdr[1:2]); err != nil {
		return Frame{}, err
	}
	if hdr[1] == 1 {
		var inv [16]byte
		if _, err := io.ReadFull(r, inv[:]); err != nil {
			return Frame{}, err
		}
		f.Invocation = token.Invocation(inv)
		f.HasInvocation = true
	}

	size, err := binary.ReadUvarint(r)
	if err != nil {
		return Frame{}, err
	}
	if cap(*buf) < int(size) {
		*buf = make([]byte, size)
	}
	payload := (*buf)[:size]
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: short read of %d byte payload: %w", size, err)
	}
	out := make([]byte, size)
	copy(out, payload)
	f.Payload = out
	return f, nil
}

// EncodePayload gob-encodes v for use as a Frame's Payload. Concrete
// types carried inside an `any` field (e.g. WorkerMsgPayload.Message)
// must be registered with gob.Register before this is called.
func EncodePayload(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes b into v, the inverse of EncodePayload.
func DecodePayload(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
