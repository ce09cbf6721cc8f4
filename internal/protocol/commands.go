// Package protocol defines the closed set of commands exchanged with one
// partition and their JSON encoding. Every command is encoded as a single
// JSON object carrying a "type" tag next to the command's own fields:
//
//	{"type":"Download","name":"a.txt","offset":5,"limit":10}
//	{"type":"CopyAll","source_to_target":{"a":"b"}}
//	{"type":"Ping"}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CommandType is the tag value identifying a command variant.
type CommandType string

const (
	TypeUpload     CommandType = "Upload"
	TypeDownload   CommandType = "Download"
	TypeCopy       CommandType = "Copy"
	TypeCopyAll    CommandType = "CopyAll"
	TypeMove       CommandType = "Move"
	TypeMoveAll    CommandType = "MoveAll"
	TypeDelete     CommandType = "Delete"
	TypeDeleteAll  CommandType = "DeleteAll"
	TypeList       CommandType = "List"
	TypeInspect    CommandType = "Inspect"
	TypeInspectAll CommandType = "InspectAll"
	TypePing       CommandType = "Ping"
)

// ErrUnknownCommand is returned when decoding a tag outside the closed set.
var ErrUnknownCommand = errors.New("unknown command type")

// Command is one request to a partition. The set of implementations is closed;
// the unexported method keeps other packages from adding variants.
type Command interface {
	Type() CommandType
	isCommand()
}

type Upload struct {
	Name string `json:"name"`
}

type Download struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
	Limit  int64  `json:"limit"`
}

type Copy struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

type CopyAll struct {
	SourceToTarget map[string]string `json:"source_to_target"`
}

type Move struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

type MoveAll struct {
	SourceToTarget map[string]string `json:"source_to_target"`
}

type Delete struct {
	Name string `json:"name"`
}

// DeleteAll carries a set of names; duplicates are meaningless.
type DeleteAll struct {
	Names []string `json:"names"`
}

type List struct {
	Glob string `json:"glob"`
}

type Inspect struct {
	Name string `json:"name"`
}

// InspectAll keeps the caller's order; the response has one entry per name.
type InspectAll struct {
	Names []string `json:"names"`
}

type Ping struct{}

func (Upload) Type() CommandType     { return TypeUpload }
func (Download) Type() CommandType   { return TypeDownload }
func (Copy) Type() CommandType       { return TypeCopy }
func (CopyAll) Type() CommandType    { return TypeCopyAll }
func (Move) Type() CommandType       { return TypeMove }
func (MoveAll) Type() CommandType    { return TypeMoveAll }
func (Delete) Type() CommandType     { return TypeDelete }
func (DeleteAll) Type() CommandType  { return TypeDeleteAll }
func (List) Type() CommandType       { return TypeList }
func (Inspect) Type() CommandType    { return TypeInspect }
func (InspectAll) Type() CommandType { return TypeInspectAll }
func (Ping) Type() CommandType       { return TypePing }

func (Upload) isCommand()     {}
func (Download) isCommand()   {}
func (Copy) isCommand()       {}
func (CopyAll) isCommand()    {}
func (Move) isCommand()       {}
func (MoveAll) isCommand()    {}
func (Delete) isCommand()     {}
func (DeleteAll) isCommand()  {}
func (List) isCommand()       {}
func (Inspect) isCommand()    {}
func (InspectAll) isCommand() {}
func (Ping) isCommand()       {}

// Encode marshals cmd into a flat JSON object tagged with its type.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("encode: %w: nil", ErrUnknownCommand)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.Type(), err)
	}
	tag, err := json.Marshal(cmd.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(tag)
	if fields := bytes.TrimSpace(body[1 : len(body)-1]); len(fields) > 0 {
		buf.WriteByte(',')
		buf.Write(fields)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Decode reads the "type" tag and unmarshals the remaining fields into the
// matching command variant.
func Decode(data []byte) (Command, error) {
	var header struct {
		Type CommandType `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	var cmd Command
	var err error
	switch header.Type {
	case TypeUpload:
		cmd, err = decodeAs[Upload](data)
	case TypeDownload:
		cmd, err = decodeAs[Download](data)
	case TypeCopy:
		cmd, err = decodeAs[Copy](data)
	case TypeCopyAll:
		cmd, err = decodeAs[CopyAll](data)
	case TypeMove:
		cmd, err = decodeAs[Move](data)
	case TypeMoveAll:
		cmd, err = decodeAs[MoveAll](data)
	case TypeDelete:
		cmd, err = decodeAs[Delete](data)
	case TypeDeleteAll:
		cmd, err = decodeAs[DeleteAll](data)
	case TypeList:
		cmd, err = decodeAs[List](data)
	case TypeInspect:
		cmd, err = decodeAs[Inspect](data)
	case TypeInspectAll:
		cmd, err = decodeAs[InspectAll](data)
	case TypePing:
		cmd = Ping{}
	default:
		return nil, fmt.Errorf("decode command: %w: %q", ErrUnknownCommand, header.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", header.Type, err)
	}
	return cmd, nil
}

func decodeAs[C Command](data []byte) (Command, error) {
	var cmd C
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}
