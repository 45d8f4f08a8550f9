// Package relay owns the per-remote-peer connectivity: one pion
// PeerConnection, one data channel and one local UDP socket the game talks
// to. Traffic arriving on the UDP socket is forwarded over the data channel
// and vice versa.
package relay

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/faforge/go-ice-adapter/internal/config"
	"github.com/faforge/go-ice-adapter/internal/util"
)

// maxDatagramSize bounds one forwarded game datagram.
const maxDatagramSize = 16 * 1024

// dataChannelLabel names the single game-traffic channel per peer.
const dataChannelLabel = "gamedata"

// Relay bridges the local game and one remote player. Created by the adapter
// registry, destroyed on disconnectFromPeer or game disconnect.
type Relay struct {
	remoteID    int
	remoteLogin string
	createOffer bool
	gameUDPPort int
	iceServers  []webrtc.ICEServer

	// udpConn is bound once at construction; its port is stable for the
	// relay lifetime.
	udpConn  *net.UDPConn
	gameAddr *net.UDPAddr

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	dc                *webrtc.DataChannel
	iceState          string
	dcOpen            bool
	closed            bool
	pendingCandidates []webrtc.ICECandidateInit
	remoteSet         bool

	onIceMessage      func(interface{})
	onStateChanged    func(string)
	onDataChannelOpen func()
}

// New binds the relay's local UDP socket and prepares it for Reinit. The
// ice-server list is copied into pion configuration; later changes to the
// adapter's list do not affect this relay.
func New(remoteID int, remoteLogin string, createOffer bool, gameUDPPort int, servers []config.IceServer) (*Relay, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind relay UDP socket: %w", err)
	}
	r := &Relay{
		remoteID:    remoteID,
		remoteLogin: remoteLogin,
		createOffer: createOffer,
		gameUDPPort: gameUDPPort,
		iceServers:  toPionServers(servers),
		udpConn:     udpConn,
		gameAddr:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: gameUDPPort},
		iceState:    "none",
	}
	go r.pumpGameToPeer()
	return r, nil
}

// toPionServers converts the configured ice-server records.
func toPionServers(servers []config.IceServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		urls := s.URLs
		if len(urls) == 0 && s.URL != "" {
			urls = []string{s.URL}
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}

// SetIceMessageCallback registers the sink for outbound ICE signaling
// payloads (local SDP and candidates).
func (r *Relay) SetIceMessageCallback(cb func(interface{})) {
	r.mu.Lock()
	r.onIceMessage = cb
	r.mu.Unlock()
}

// SetStateCallback registers the sink for ICE connection state strings.
func (r *Relay) SetStateCallback(cb func(string)) {
	r.mu.Lock()
	r.onStateChanged = cb
	r.mu.Unlock()
}

// SetDataChannelOpenCallback registers the sink fired once the game-traffic
// channel opens.
func (r *Relay) SetDataChannelOpenCallback(cb func()) {
	r.mu.Lock()
	r.onDataChannelOpen = cb
	r.mu.Unlock()
}

// Reinit (re)creates the peer connection and starts ICE gathering. An
// offering relay creates the data channel and sends the offer through the
// ice-message callback; an answering relay waits for the remote offer.
func (r *Relay) Reinit() error {
	r.mu.Lock()
	old := r.pc
	r.pc = nil
	r.dc = nil
	r.dcOpen = false
	r.remoteSet = false
	r.pendingCandidates = nil
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: r.iceServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		r.emitIceMessage(map[string]interface{}{
			"type":      "candidate",
			"candidate": candidateToMap(init),
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("relay %d ICE state: %s", r.remoteID, state)
		r.mu.Lock()
		r.iceState = state.String()
		cb := r.onStateChanged
		r.mu.Unlock()
		if cb != nil {
			cb(state.String())
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		r.attachDataChannel(dc)
	})

	r.mu.Lock()
	r.pc = pc
	closed := r.closed
	r.mu.Unlock()
	if closed {
		pc.Close()
		return fmt.Errorf("relay for peer %d is closed", r.remoteID)
	}

	if !r.createOffer {
		return nil
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("failed to create data channel: %w", err)
	}
	r.attachDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to apply local offer: %w", err)
	}
	r.emitIceMessage(map[string]interface{}{
		"type": "offer",
		"sdp":  offer.SDP,
	})
	return nil
}

// attachDataChannel wires open/close/message handling for the game-traffic
// channel.
func (r *Relay) attachDataChannel(dc *webrtc.DataChannel) {
	r.mu.Lock()
	r.dc = dc
	r.mu.Unlock()

	dc.OnOpen(func() {
		util.LogInfo("relay %d data channel open", r.remoteID)
		r.mu.Lock()
		r.dcOpen = true
		cb := r.onDataChannelOpen
		r.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	dc.OnClose(func() {
		r.mu.Lock()
		r.dcOpen = false
		r.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if _, err := r.udpConn.WriteToUDP(msg.Data, r.gameAddr); err != nil {
			util.LogDebug("relay %d failed to forward datagram to game: %v", r.remoteID, err)
		}
	})
}

// AddIceMessage feeds one remote signaling payload into the relay: an offer,
// an answer, or a trickled candidate. Candidates arriving before the remote
// description are buffered.
func (r *Relay) AddIceMessage(msg map[string]interface{}) error {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("relay for peer %d has no peer connection", r.remoteID)
	}

	msgType, _ := msg["type"].(string)
	switch msgType {
	case "offer":
		sdp, _ := msg["sdp"].(string)
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  sdp,
		}); err != nil {
			return fmt.Errorf("failed to apply remote offer: %w", err)
		}
		r.flushCandidates(pc)
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("failed to create answer: %w", err)
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("failed to apply local answer: %w", err)
		}
		r.emitIceMessage(map[string]interface{}{
			"type": "answer",
			"sdp":  answer.SDP,
		})
		return nil

	case "answer":
		sdp, _ := msg["sdp"].(string)
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  sdp,
		}); err != nil {
			return fmt.Errorf("failed to apply remote answer: %w", err)
		}
		r.flushCandidates(pc)
		return nil

	case "candidate":
		init, err := candidateFromValue(msg["candidate"])
		if err != nil {
			return err
		}
		r.mu.Lock()
		ready := r.remoteSet
		if !ready {
			r.pendingCandidates = append(r.pendingCandidates, init)
		}
		r.mu.Unlock()
		if !ready {
			return nil
		}
		if err := pc.AddICECandidate(init); err != nil {
			return fmt.Errorf("failed to add ICE candidate: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown ICE message type %q", msgType)
	}
}

// flushCandidates marks the remote description as set and drains buffered
// candidates into the peer connection.
func (r *Relay) flushCandidates(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	r.remoteSet = true
	pending := r.pendingCandidates
	r.pendingCandidates = nil
	r.mu.Unlock()
	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			util.LogWarn("relay %d failed to add buffered candidate: %v", r.remoteID, err)
		}
	}
}

// pumpGameToPeer forwards datagrams from the game's lobby socket over the
// data channel. Datagrams arriving before the channel opens are dropped.
func (r *Relay) pumpGameToPeer() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := r.udpConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.mu.Lock()
		dc := r.dc
		open := r.dcOpen
		r.mu.Unlock()
		if !open || dc == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := dc.Send(payload); err != nil {
			util.LogDebug("relay %d failed to forward datagram to peer: %v", r.remoteID, err)
		}
	}
}

func (r *Relay) emitIceMessage(msg map[string]interface{}) {
	r.mu.Lock()
	cb := r.onIceMessage
	r.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

// LocalUDPPort returns the port the game connects to for this peer.
func (r *Relay) LocalUDPPort() int {
	return r.udpConn.LocalAddr().(*net.UDPAddr).Port
}

// Status returns the per-relay section of the status RPC result.
func (r *Relay) Status() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]interface{}{
		"remote_player_id":     r.remoteID,
		"remote_player_login":  r.remoteLogin,
		"local_game_udp_port":  r.gameUDPPort,
		"local_relay_udp_port": r.udpConn.LocalAddr().(*net.UDPAddr).Port,
		"ice_state":            r.iceState,
		"datachannel_open":     r.dcOpen,
		"create_offer":         r.createOffer,
	}
}

// Close releases the peer connection and the local UDP socket.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pc := r.pc
	r.pc = nil
	r.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.Close()
	}
	r.udpConn.Close()
	return err
}

// candidateToMap renders an ICECandidateInit as the JSON object shape used on
// the control channel.
func candidateToMap(init webrtc.ICECandidateInit) map[string]interface{} {
	data, _ := json.Marshal(init)
	var out map[string]interface{}
	json.Unmarshal(data, &out)
	return out
}

// candidateFromValue parses the candidate object out of an ICE message.
func candidateFromValue(v interface{}) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	data, err := json.Marshal(v)
	if err != nil {
		return init, fmt.Errorf("invalid candidate payload: %w", err)
	}
	if err := json.Unmarshal(data, &init); err != nil {
		return init, fmt.Errorf("invalid candidate payload: %w", err)
	}
	return init, nil
}
