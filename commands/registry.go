package commands

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"Parlor/internal/game"

	"go.uber.org/zap"
)

// Definition describes a single command's metadata.
type Definition struct {
	Name        string
	Usage       string
	Description string
}

// Handler executes a command.
type Handler func(*Context)

// Command couples metadata with the executable handler.
type Command struct {
	Definition
	Handler Handler
}

// Context provides the runtime data available to a command handler.
type Context struct {
	World   *game.World
	Person  *game.Person
	Text    string
	Command *Command
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Command)
	ordered    []*Command
)

// Define registers a new command using the provided definition and handler.
// It panics when metadata is incomplete or duplicates an existing command.
func Define(def Definition, handler Handler) *Command {
	if handler == nil {
		panic("commands: handler must not be nil")
	}
	if strings.TrimSpace(def.Name) == "" {
		panic("commands: command must have a name")
	}

	cmd := &Command{Definition: def, Handler: handler}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[def.Name]; exists {
		panic(fmt.Sprintf("commands: duplicate registration for %q", def.Name))
	}
	registry[def.Name] = cmd

	ordered = append(ordered, cmd)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Name < ordered[j].Name
	})

	return cmd
}

// All returns the registered commands sorted by primary name.
func All() []*Command {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]*Command, len(ordered))
	copy(out, ordered)
	return out
}

// Parsed is one interpreted input line.
type Parsed struct {
	Command *Command
	Text    string
}

// Parse is total: a trimmed line naming a command exactly selects it, and
// anything else, the empty line included, is spoken.
func Parse(line string) Parsed {
	text := game.Trim(line)

	registryMu.RLock()
	cmd, ok := registry[text]
	registryMu.RUnlock()
	if !ok {
		cmd = Say
	}
	return Parsed{Command: cmd, Text: text}
}

// Dispatch parses and executes one line for person. It satisfies
// game.Dispatcher.
func Dispatch(world *game.World, person *game.Person, line string) {
	parsed := Parse(line)
	world.Metrics().Command(parsed.Command.Name)
	world.Logger().Debug("command",
		zap.String("command", parsed.Command.Name),
		zap.Uint64("id", uint64(person.ID)),
		zap.Stringer("conn", person.Conn))

	parsed.Command.Handler(&Context{
		World:   world,
		Person:  person,
		Text:    parsed.Text,
		Command: parsed.Command,
	})
}
