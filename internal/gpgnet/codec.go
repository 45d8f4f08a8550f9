package gpgnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk type tags on the wire. All integers are little-endian.
const (
	tagInt    uint32 = 0
	tagString uint32 = 1
)

// maxChunkLength bounds string chunk and chunk-count fields so a corrupt
// stream cannot trigger huge allocations.
const maxChunkLength = 1 << 20

// WriteMessage encodes msg and writes it with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	var buf bytes.Buffer
	writeStringChunk(&buf, msg.Header)
	binary.Write(&buf, binary.LittleEndian, uint32(len(msg.Chunks)))
	for _, chunk := range msg.Chunks {
		if err := writeChunk(&buf, chunk); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func writeStringChunk(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, tagString)
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func writeIntChunk(buf *bytes.Buffer, v int32) {
	binary.Write(buf, binary.LittleEndian, tagInt)
	binary.Write(buf, binary.LittleEndian, v)
}

// writeChunk encodes one payload chunk. Integer-valued float64 is accepted
// because chunks arriving through the JSON control channel decode as float64.
func writeChunk(buf *bytes.Buffer, chunk interface{}) error {
	switch v := chunk.(type) {
	case string:
		writeStringChunk(buf, v)
	case int32:
		writeIntChunk(buf, v)
	case int:
		writeIntChunk(buf, int32(v))
	case int64:
		writeIntChunk(buf, int32(v))
	case LobbyInitMode:
		writeIntChunk(buf, int32(v))
	case float64:
		writeIntChunk(buf, int32(v))
	case bool:
		if v {
			writeIntChunk(buf, 1)
		} else {
			writeIntChunk(buf, 0)
		}
	default:
		return fmt.Errorf("unsupported chunk type %T", chunk)
	}
	return nil
}

// ReadMessage decodes one complete message from the stream. It blocks until
// the message is complete or the stream fails.
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message

	header, err := readChunk(r)
	if err != nil {
		return msg, err
	}
	h, ok := header.(string)
	if !ok {
		return msg, fmt.Errorf("message header must be a string chunk, got %T", header)
	}
	msg.Header = h

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return msg, fmt.Errorf("failed to read chunk count: %w", err)
	}
	if count > maxChunkLength {
		return msg, fmt.Errorf("implausible chunk count %d", count)
	}

	msg.Chunks = make([]interface{}, 0, count)
	for i := uint32(0); i < count; i++ {
		chunk, err := readChunk(r)
		if err != nil {
			return msg, err
		}
		msg.Chunks = append(msg.Chunks, chunk)
	}
	return msg, nil
}

func readChunk(r io.Reader) (interface{}, error) {
	var tag uint32
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return nil, err
	}
	switch tag {
	case tagInt:
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return nil, fmt.Errorf("failed to read int chunk: %w", err)
		}
		return v, nil
	case tagString:
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, fmt.Errorf("failed to read string chunk length: %w", err)
		}
		if length > maxChunkLength {
			return nil, fmt.Errorf("implausible string chunk length %d", length)
		}
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("failed to read string chunk: %w", err)
		}
		return string(data), nil
	default:
		return nil, fmt.Errorf("unknown chunk tag %d", tag)
	}
}
