package gpgnet

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/faforge/go-ice-adapter/internal/util"
)

// Server accepts the local game's control connection and exchanges typed
// messages with it. The listener keeps accepting, but only the most recent
// connection is authoritative; an older connection is closed when a new one
// arrives.
type Server struct {
	listener net.Listener

	mu   sync.Mutex
	conn net.Conn

	// OnMessage and OnClientDisconnected fire from the connection's reader
	// goroutine, OnClientConnected from the accept goroutine. Set before
	// Listen.
	OnMessage            func(Message)
	OnClientConnected    func()
	OnClientDisconnected func()
}

// NewServer creates an unstarted game-control server.
func NewServer() *Server {
	return &Server{}
}

// Listen binds the loopback game-control port and starts accepting.
func (s *Server) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("unable to bind gpgnet port %d: %w", port, err)
	}
	s.listener = listener
	util.LogInfo("GPGNet server listening on port %d", s.ListenPort())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			s.adoptConn(conn)
		}
	}()
	return nil
}

// adoptConn makes conn the authoritative game connection, displacing any
// previous one, and starts its reader loop.
func (s *Server) adoptConn(conn net.Conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil {
		util.LogWarn("game reconnected, dropping previous connection")
		old.Close()
	}
	util.LogInfo("game connected from %s", conn.RemoteAddr())
	if s.OnClientConnected != nil {
		s.OnClientConnected()
	}
	go s.readLoop(conn)
}

// readLoop decodes messages until the connection fails. Disconnect is only
// reported if conn is still the authoritative connection; a displaced
// connection dies silently.
func (s *Server) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := ReadMessage(r)
		if err != nil {
			s.mu.Lock()
			authoritative := s.conn == conn
			if authoritative {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			if authoritative {
				util.LogInfo("game disconnected")
				if s.OnClientDisconnected != nil {
					s.OnClientDisconnected()
				}
			}
			return
		}
		if s.OnMessage != nil {
			s.OnMessage(msg)
		}
	}
}

// ListenPort returns the bound game-control port.
func (s *Server) ListenPort() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// HasConnectedClient reports whether a game is currently connected.
func (s *Server) HasConnectedClient() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close stops the listener and drops the game connection.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// SendMessage writes one raw message to the game.
func (s *Server) SendMessage(msg Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no game connected")
	}
	util.LogDebug("sending GPGNet message: %s", msg)
	if err := WriteMessage(conn, msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Header, err)
	}
	return nil
}

// Typed senders for the well-known lobby messages.

func (s *Server) SendCreateLobby(initMode LobbyInitMode, port int, login string, playerID int, natTraversalProvider int) error {
	return s.SendMessage(Message{
		Header: "CreateLobby",
		Chunks: []interface{}{int32(initMode), int32(port), login, int32(playerID), int32(natTraversalProvider)},
	})
}

func (s *Server) SendHostGame(mapName string) error {
	return s.SendMessage(Message{
		Header: "HostGame",
		Chunks: []interface{}{mapName},
	})
}

func (s *Server) SendJoinGame(addr string, login string, playerID int) error {
	return s.SendMessage(Message{
		Header: "JoinGame",
		Chunks: []interface{}{addr, login, int32(playerID)},
	})
}

func (s *Server) SendConnectToPeer(addr string, login string, playerID int) error {
	return s.SendMessage(Message{
		Header: "ConnectToPeer",
		Chunks: []interface{}{addr, login, int32(playerID)},
	})
}

func (s *Server) SendDisconnectFromPeer(playerID int) error {
	return s.SendMessage(Message{
		Header: "DisconnectFromPeer",
		Chunks: []interface{}{int32(playerID)},
	})
}
