package gpgnet

import (
	"bytes"
	"io"
	"reflect"
	"testing"
)

func TestWriteMessageCreateLobbyBytes(t *testing.T) {
	var buf bytes.Buffer
	err := WriteMessage(&buf, Message{
		Header: "CreateLobby",
		Chunks: []interface{}{int32(0), int32(7238), "ab", int32(5), int32(1)},
	})
	if err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	want := []byte{
		// header: string chunk "CreateLobby"
		1, 0, 0, 0, 11, 0, 0, 0,
		'C', 'r', 'e', 'a', 't', 'e', 'L', 'o', 'b', 'b', 'y',
		// chunk count 5
		5, 0, 0, 0,
		// int 0
		0, 0, 0, 0, 0, 0, 0, 0,
		// int 7238 (0x1C46)
		0, 0, 0, 0, 0x46, 0x1C, 0, 0,
		// string "ab"
		1, 0, 0, 0, 2, 0, 0, 0, 'a', 'b',
		// int 5
		0, 0, 0, 0, 5, 0, 0, 0,
		// int 1
		0, 0, 0, 0, 1, 0, 0, 0,
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes mismatch:\n got %v\nwant %v", buf.Bytes(), want)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	testCases := []Message{
		{Header: "GameState", Chunks: []interface{}{"Idle"}},
		{Header: "HostGame", Chunks: []interface{}{"SCMP_009"}},
		{Header: "JoinGame", Chunks: []interface{}{"127.0.0.1:6112", "player2", int32(4711)}},
		{Header: "DisconnectFromPeer", Chunks: []interface{}{int32(4711)}},
		{Header: "Empty", Chunks: []interface{}{}},
	}
	for _, msg := range testCases {
		t.Run(msg.Header, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteMessage(&buf, msg); err != nil {
				t.Fatalf("WriteMessage failed: %v", err)
			}
			got, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage failed: %v", err)
			}
			if got.Header != msg.Header {
				t.Errorf("header: got %q want %q", got.Header, msg.Header)
			}
			if !reflect.DeepEqual(got.Chunks, msg.Chunks) {
				t.Errorf("chunks: got %v want %v", got.Chunks, msg.Chunks)
			}
		})
	}
}

func TestReadMessageFragmented(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Header: "GameState", Chunks: []interface{}{"Lobby"}}
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	wire := buf.Bytes()

	// Deliver the message one byte at a time through a pipe.
	r, w := io.Pipe()
	go func() {
		for _, b := range wire {
			w.Write([]byte{b})
		}
		w.Close()
	}()

	got, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Header != "GameState" || got.Chunks[0] != "Lobby" {
		t.Fatalf("got %v", got)
	}
}

func TestReadMessageBadTag(t *testing.T) {
	data := []byte{9, 0, 0, 0}
	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Fatal("expected error for unknown chunk tag")
	}
}

func TestReadMessageNonStringHeader(t *testing.T) {
	data := []byte{0, 0, 0, 0, 42, 0, 0, 0}
	if _, err := ReadMessage(bytes.NewReader(data)); err == nil {
		t.Fatal("expected error for integer header chunk")
	}
}

func TestWriteChunkJSONNumbers(t *testing.T) {
	// Chunks forwarded from the control channel decode as float64; they must
	// encode as integer chunks.
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Message{Header: "Test", Chunks: []interface{}{float64(42)}}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if got.Chunks[0] != int32(42) {
		t.Fatalf("got %v (%T)", got.Chunks[0], got.Chunks[0])
	}
}
