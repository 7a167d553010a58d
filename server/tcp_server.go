package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"LunarStudio/internal/logging"
)

// Line protocol. Every connection owns one session for its lifetime.
//
//	client: <text> | MSG <b64 text> | CANCEL | HIST | QUIT
//	server: ACK, then TOKN <b64 fragment>..., then RESP <b64 visible> or ERR <b64 message>
//	        HIST <b64 json messages> in reply to HIST
const (
	cmdMessage = "MSG"
	cmdCancel  = "CANCEL"
	cmdHistory = "HIST"
	cmdQuit    = "QUIT"

	replyAck      = "ACK"
	replyToken    = "TOKN"
	replyResponse = "RESP"
	replyError    = "ERR"
	replyHistory  = "HIST"
	replySession  = "SESS"
)

type TCPServer struct {
	Address  string
	Port     string
	sessions Sessions
	logger   *zap.Logger

	ln       net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewTCPServer creates a new TCP server instance.
func NewTCPServer(address, port string, sessions Sessions, logger *zap.Logger) *TCPServer {
	return &TCPServer{
		Address:  address,
		Port:     port,
		sessions: sessions,
		logger:   logging.OrNop(logger),
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Start listens and accepts connections in the background.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("tcp server listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.shutdown:
				default:
					s.logger.Error("error accepting connection", zap.Error(err))
				}
				return
			}
			s.mu.Lock()
			s.conns[conn] = struct{}{}
			s.mu.Unlock()

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConnection(conn)
			}()
		}
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop closes the listener and every connection, then waits for their
// sessions to be released.
func (s *TCPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		if s.ln != nil {
			err = s.ln.Close()
		}
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("tcp server stopped")
	})
	return err
}

// connWriter serializes protocol lines from the turn and command loops.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) line(kind, payload string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := kind
	if payload != "" {
		out += " " + encodePayload(payload)
	}
	_, err := w.conn.Write([]byte(out + "\n"))
	return err
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("remote", remote))
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := s.sessions.Start(ctx)
	out := &connWriter{conn: conn}
	if err != nil {
		logger.Error("failed to start session", zap.Error(err))
		_ = out.line(replyError, err.Error())
		return
	}
	logger = logger.With(zap.String("session", id))
	logger.Info("connection opened")
	defer func() {
		if err := s.sessions.Close(id); err != nil {
			logger.Warn("failed to close session", zap.Error(err))
		}
		logger.Info("connection closed")
	}()
	if err := out.line(replySession, id); err != nil {
		return
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var turnDone chan struct{}
	defer func() {
		cancel()
		if turnDone != nil {
			<-turnDone
		}
	}()

	for {
		select {
		case <-s.shutdown:
			return
		case <-turnDone:
			turnDone = nil
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmd, payload := splitCommand(line)
			switch cmd {
			case cmdQuit:
				return
			case cmdCancel:
				if turnDone == nil {
					_ = out.line(replyError, "no turn in progress")
					continue
				}
				_ = s.sessions.RequestCancel(id)
			case cmdHistory:
				msgs, err := s.sessions.HistorySanitized(id)
				if err != nil {
					_ = out.line(replyError, err.Error())
					continue
				}
				data, _ := json.Marshal(msgs)
				_ = out.line(replyHistory, string(data))
			default:
				text := line
				if cmd == cmdMessage {
					decoded, err := base64.StdEncoding.DecodeString(payload)
					if err != nil {
						_ = out.line(replyError, "invalid MSG payload: "+err.Error())
						continue
					}
					text = string(decoded)
				}
				if turnDone != nil {
					_ = out.line(replyError, "turn in progress")
					continue
				}
				if err := out.line(replyAck, ""); err != nil {
					return
				}
				turnDone = make(chan struct{})
				go s.runTurn(ctx, id, text, out, turnDone, logger)
			}
		}
	}
}

func (s *TCPServer) runTurn(ctx context.Context, id, text string, out *connWriter, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	result, err := s.sessions.SubmitTurn(ctx, id, text, func(fragment string) error {
		return out.line(replyToken, fragment)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("turn failed", zap.Error(err))
		}
		_ = out.line(replyError, err.Error())
		return
	}
	_ = out.line(replyResponse, result.Visible)
}

func splitCommand(line string) (cmd, payload string) {
	head, rest, _ := strings.Cut(line, " ")
	switch upper := strings.ToUpper(head); upper {
	case cmdCancel, cmdHistory, cmdQuit:
		if strings.TrimSpace(rest) == "" {
			return upper, ""
		}
	case cmdMessage:
		if rest != "" {
			return upper, strings.TrimSpace(rest)
		}
	}
	return "", line
}

func encodePayload(payload string) string {
	return base64.StdEncoding.EncodeToString([]byte(payload))
}
