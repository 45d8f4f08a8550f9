package relay

import (
	"testing"
	"time"

	"github.com/faforge/go-ice-adapter/internal/config"
)

func TestLocalUDPPortStable(t *testing.T) {
	r, err := New(2, "other", false, 7238, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	port := r.LocalUDPPort()
	if port == 0 {
		t.Fatal("relay did not bind a UDP port")
	}
	for i := 0; i < 3; i++ {
		if r.LocalUDPPort() != port {
			t.Fatal("local UDP port changed")
		}
	}
}

func TestStatusFields(t *testing.T) {
	r, err := New(2, "other", true, 7238, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	status := r.Status()
	if status["remote_player_id"] != 2 || status["remote_player_login"] != "other" {
		t.Fatalf("identity wrong: %v", status)
	}
	if status["create_offer"] != true || status["datachannel_open"] != false {
		t.Fatalf("flags wrong: %v", status)
	}
	if status["local_game_udp_port"] != 7238 {
		t.Fatalf("game port wrong: %v", status)
	}
	if status["local_relay_udp_port"] != r.LocalUDPPort() {
		t.Fatalf("relay port wrong: %v", status)
	}
}

func TestOfferingRelayEmitsOffer(t *testing.T) {
	r, err := New(2, "other", true, 7238, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	messages := make(chan map[string]interface{}, 16)
	r.SetIceMessageCallback(func(msg interface{}) {
		messages <- msg.(map[string]interface{})
	})

	if err := r.Reinit(); err != nil {
		t.Fatalf("Reinit failed: %v", err)
	}

	// Candidates may trickle concurrently; only the offer matters here.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-messages:
			if msg["type"] != "offer" {
				continue
			}
			if sdp, _ := msg["sdp"].(string); sdp == "" {
				t.Fatal("offer carries no SDP")
			}
			return
		case <-deadline:
			t.Fatal("no offer emitted")
		}
	}
}

func TestAnsweringRelayWaits(t *testing.T) {
	r, err := New(2, "other", false, 7238, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer r.Close()

	messages := make(chan map[string]interface{}, 16)
	r.SetIceMessageCallback(func(msg interface{}) {
		messages <- msg.(map[string]interface{})
	})
	if err := r.Reinit(); err != nil {
		t.Fatalf("Reinit failed: %v", err)
	}

	select {
	case msg := <-messages:
		t.Fatalf("answering relay emitted %v before any remote offer", msg["type"])
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	r, err := New(2, "other", false, 7238, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestToPionServers(t *testing.T) {
	servers := toPionServers([]config.IceServer{
		{URL: "stun:stun.example.com:3478"},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "u", Credential: "p"},
		{}, // no urls at all: skipped
	})
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("url record wrong: %v", servers[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("credentials lost: %v", servers[1])
	}
}

func TestCandidateFromValue(t *testing.T) {
	init, err := candidateFromValue(map[string]interface{}{
		"candidate":     "candidate:1 1 udp 2122260223 127.0.0.1 54400 typ host",
		"sdpMid":        "0",
		"sdpMLineIndex": float64(0),
	})
	if err != nil {
		t.Fatalf("candidateFromValue failed: %v", err)
	}
	if init.Candidate == "" || init.SDPMid == nil || *init.SDPMid != "0" {
		t.Fatalf("candidate not parsed: %+v", init)
	}

	if _, err := candidateFromValue(func() {}); err == nil {
		t.Fatal("expected error for unmarshalable payload")
	}
}
