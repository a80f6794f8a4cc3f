package game

import "fmt"

// MessageKind enumerates the events delivered through queues.
type MessageKind int

const (
	MessageArrive MessageKind = iota + 1
	MessageDepart
	MessageLogout
	MessageSay
)

func (k MessageKind) String() string {
	switch k {
	case MessageArrive:
		return "arrive"
	case MessageDepart:
		return "depart"
	case MessageLogout:
		return "logout"
	case MessageSay:
		return "say"
	default:
		return "unknown"
	}
}

// Message is an immutable event. Person and Name identify the arriving,
// departing or speaking person so rendering never consults the World.
type Message struct {
	Kind   MessageKind
	Person PersonID
	Name   string
	Room   RoomID
	Text   string
}

func Arrival(p *Person) Message {
	return Message{Kind: MessageArrive, Person: p.ID, Name: p.Name, Room: p.Room}
}

func Departure(p *Person) Message {
	return Message{Kind: MessageDepart, Person: p.ID, Name: p.Name, Room: p.Room}
}

func Utterance(p *Person, text string) Message {
	return Message{Kind: MessageSay, Person: p.ID, Name: p.Name, Room: p.Room, Text: text}
}

func LogoutMessage() Message {
	return Message{Kind: MessageLogout}
}

// Render produces the text shown to receiver. Arrivals and departures are
// not announced to the person they concern.
func (m Message) Render(receiver PersonID) string {
	switch m.Kind {
	case MessageArrive:
		if m.Person == receiver {
			return ""
		}
		return fmt.Sprintf("%s arrived.", m.Name)
	case MessageDepart:
		if m.Person == receiver {
			return ""
		}
		return fmt.Sprintf("%s left.", m.Name)
	case MessageLogout:
		return "You have logged out."
	case MessageSay:
		if m.Person == receiver {
			return fmt.Sprintf("You say, '%s'", m.Text)
		}
		return fmt.Sprintf("%s says, '%s'", m.Name, m.Text)
	default:
		return ""
	}
}
