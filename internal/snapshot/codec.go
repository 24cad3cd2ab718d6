package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/conneroisu/stencil/internal/errors"
)

// Supported codec formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Codec serializes snapshots to and from a blob
type Codec interface {
	Format() string
	Encode(s *Snapshot) ([]byte, error)
	Decode(data []byte) (*Snapshot, error)
}

// CodecFor returns the codec registered for format
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", FormatJSON:
		return JSONCodec{}, nil
	case FormatMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, errors.NewConfigError(errors.CodeInvalidConfig,
			fmt.Sprintf("unknown snapshot format %q", format))
	}
}

// JSONCodec stores snapshots as indented JSON text
type JSONCodec struct{}

// Format implements Codec
func (JSONCodec) Format() string { return FormatJSON }

// Encode implements Codec
func (JSONCodec) Encode(s *Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, codecError("encoding", FormatJSON, err)
	}
	return data, nil
}

// Decode implements Codec
func (JSONCodec) Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, codecError("decoding", FormatJSON, err)
	}
	return normalize(&s), nil
}

// MsgpackCodec stores snapshots as msgpack
type MsgpackCodec struct{}

// Format implements Codec
func (MsgpackCodec) Format() string { return FormatMsgpack }

// Encode implements Codec
func (MsgpackCodec) Encode(s *Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, codecError("encoding", FormatMsgpack, err)
	}
	return data, nil
}

// Decode implements Codec
func (MsgpackCodec) Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, codecError("decoding", FormatMsgpack, err)
	}
	return normalize(&s), nil
}

func normalize(s *Snapshot) *Snapshot {
	if s.Templates == nil {
		s.Templates = make([]TemplateRecord, 0)
	}
	if s.Views == nil {
		s.Views = make([]ViewRecord, 0)
	}
	if s.Dependencies == nil {
		s.Dependencies = make(map[string][]string)
	}
	return s
}

func codecError(op, format string, cause error) error {
	return errors.NewIOError(errors.CodeSnapshotCodec,
		fmt.Sprintf("%s %s snapshot", op, format), cause)
}
