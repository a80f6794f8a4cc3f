package game

import (
	"bufio"
	"bytes"
	"net"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	telnetIAC  byte = 255
	telnetDONT byte = 254
	telnetDO   byte = 253
	telnetWONT byte = 252
	telnetWILL byte = 251
	telnetSB   byte = 250
	telnetSE   byte = 240
)

const (
	telnetOptEcho       byte = 1
	telnetOptSuppressGA byte = 3
	telnetOptLineMode   byte = 34
)

// maxLineLength bounds a single inbound line; longer input is truncated.
const maxLineLength = 4096

var serverSupportedOptions = map[byte]bool{
	telnetOptSuppressGA: true,
}

// TelnetSession frames a TCP stream into CR/LF terminated lines and strips
// telnet control sequences from input.
type TelnetSession struct {
	conn      net.Conn
	reader    *bufio.Reader
	mu        sync.Mutex
	negotiate bool
}

// NewTelnetSession wraps conn. When negotiate is set the server announces
// its options and answers client negotiation; otherwise negotiation requests
// are silently discarded so plain line clients never see control bytes.
func NewTelnetSession(conn net.Conn, negotiate bool) *TelnetSession {
	s := &TelnetSession{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		negotiate: negotiate,
	}
	if negotiate {
		_ = s.writeCommand(telnetWILL, telnetOptSuppressGA)
		_ = s.writeCommand(telnetWONT, telnetOptEcho)
		_ = s.writeCommand(telnetDONT, telnetOptLineMode)
	}
	return s
}

func (s *TelnetSession) writeCommand(cmd, opt byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write([]byte{telnetIAC, cmd, opt})
	return err
}

// WriteLine sends one line followed by CRLF.
func (s *TelnetSession) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Write(translateForTelnet(line + "\n"))
	return err
}

func translateForTelnet(msg string) []byte {
	var buf bytes.Buffer
	var prev byte
	for i := 0; i < len(msg); i++ {
		b := msg[i]
		switch b {
		case '\n':
			if prev != '\r' {
				buf.WriteByte('\r')
			}
			buf.WriteByte('\n')
		case telnetIAC:
			buf.WriteByte(telnetIAC)
			buf.WriteByte(telnetIAC)
		default:
			buf.WriteByte(b)
		}
		prev = b
	}
	return buf.Bytes()
}

// ReadLine returns the next line without its terminator.
func (s *TelnetSession) ReadLine() (string, error) {
	var buf bytes.Buffer
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '\r':
			if next, err := s.reader.Peek(1); err == nil && (next[0] == '\n' || next[0] == 0x00) {
				_, _ = s.reader.ReadByte()
			}
			return decodeLine(buf.Bytes()), nil
		case '\n':
			return decodeLine(buf.Bytes()), nil
		case 0x08, 0x7f:
			if buf.Len() > 0 {
				_, size := utf8.DecodeLastRune(buf.Bytes())
				buf.Truncate(buf.Len() - size)
			}
		case 0x00:
		case telnetIAC:
			if err := s.handleIAC(&buf); err != nil {
				return "", err
			}
		default:
			if buf.Len() < maxLineLength {
				buf.WriteByte(b)
			}
		}
	}
}

func (s *TelnetSession) handleIAC(buf *bytes.Buffer) error {
	cmd, err := s.reader.ReadByte()
	if err != nil {
		return err
	}
	switch cmd {
	case telnetIAC:
		buf.WriteByte(telnetIAC)
	case telnetDO, telnetDONT, telnetWILL, telnetWONT:
		opt, err := s.reader.ReadByte()
		if err != nil {
			return err
		}
		if s.negotiate {
			s.answer(cmd, opt)
		}
	case telnetSB:
		return s.skipSubnegotiation()
	}
	return nil
}

func (s *TelnetSession) answer(cmd, opt byte) {
	switch cmd {
	case telnetDO:
		if serverSupportedOptions[opt] {
			_ = s.writeCommand(telnetWILL, opt)
		} else {
			_ = s.writeCommand(telnetWONT, opt)
		}
	case telnetDONT:
		_ = s.writeCommand(telnetWONT, opt)
	case telnetWILL:
		_ = s.writeCommand(telnetDONT, opt)
	}
}

func (s *TelnetSession) skipSubnegotiation() error {
	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return err
		}
		if b != telnetIAC {
			continue
		}
		next, err := s.reader.ReadByte()
		if err != nil {
			return err
		}
		if next == telnetSE {
			return nil
		}
	}
}

func (s *TelnetSession) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

func (s *TelnetSession) Close() error {
	return s.conn.Close()
}
