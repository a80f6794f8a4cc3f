package game

import (
	"fmt"
	"net"
)

// PersonID uniquely identifies a registered person.
type PersonID uint64

// Person is a live, connected occupant of a room. Each active connection
// owns exactly one Person; the World only changes Room inside Arrive.
type Person struct {
	ID   PersonID
	Name string
	Room RoomID
	Conn Connection
}

// NewPerson builds the live session for record on conn.
func NewPerson(record PersonRecord, conn Connection) Person {
	room := record.Room
	if room == "" {
		room = InitialRoom
	}
	return Person{
		ID:   record.ID,
		Name: record.Name,
		Room: room,
		Conn: conn,
	}
}

// Transport names the kind of link a Connection travels over.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebSocket Transport = "websocket"
	TransportHTTP      Transport = "http"
)

// Connection routes outbound messages. Stream transports are keyed by peer
// address, HTTP by session token.
type Connection struct {
	Transport Transport
	Addr      string
	Session   string
}

func TCPConnection(addr net.Addr) Connection {
	return Connection{Transport: TransportTCP, Addr: addrString(addr)}
}

func WebSocketConnection(addr string) Connection {
	return Connection{Transport: TransportWebSocket, Addr: addr}
}

func HTTPConnection(session string) Connection {
	return Connection{Transport: TransportHTTP, Session: session}
}

// Streaming reports whether the transport holds a persistent connection that
// can receive a terminal logout frame.
func (c Connection) Streaming() bool {
	return c.Transport == TransportTCP || c.Transport == TransportWebSocket
}

func (c Connection) String() string {
	if c.Transport == TransportHTTP {
		return fmt.Sprintf("http:%s", c.Session)
	}
	return fmt.Sprintf("%s:%s", c.Transport, c.Addr)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
