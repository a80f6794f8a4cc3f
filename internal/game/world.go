package game

import (
	"sync"

	"Parlor/internal/metrics"

	"go.uber.org/zap"
)

// World is the single shared store of identities, rooms, connections and
// outbound queues. Every exported method is one critical section under mu.
type World struct {
	mu          sync.Mutex
	log         *zap.Logger
	metrics     *metrics.Metrics
	accounts    *AccountManager
	rooms       map[RoomID]*Room
	connections map[PersonID]map[Connection]struct{}
	queues      map[Connection]*Queue
	done        chan struct{}
	closing     bool
}

type worldOptions struct {
	metrics *metrics.Metrics
	hash    HashParams
	rooms   []RoomID
}

// WorldOption customises NewWorld.
type WorldOption func(*worldOptions)

// WithMetrics records connection and delivery counters.
func WithMetrics(m *metrics.Metrics) WorldOption {
	return func(opts *worldOptions) {
		opts.metrics = m
	}
}

// WithHashParams overrides the argon2id parameters for new registrations.
func WithHashParams(params HashParams) WorldOption {
	return func(opts *worldOptions) {
		opts.hash = params
	}
}

// WithRooms creates additional rooms beside the initial one.
func WithRooms(ids ...RoomID) WorldOption {
	return func(opts *worldOptions) {
		opts.rooms = append(opts.rooms, ids...)
	}
}

func NewWorld(log *zap.Logger, opts ...WorldOption) *World {
	if log == nil {
		log = zap.NewNop()
	}
	options := worldOptions{hash: DefaultHashParams}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	w := &World{
		log:         log.Named("world"),
		metrics:     options.metrics,
		accounts:    NewAccountManager(log, options.hash),
		rooms:       map[RoomID]*Room{InitialRoom: newRoom(InitialRoom)},
		connections: make(map[PersonID]map[Connection]struct{}),
		queues:      make(map[Connection]*Queue),
		done:        make(chan struct{}),
	}
	for _, id := range options.rooms {
		if _, ok := w.rooms[id]; !ok {
			w.rooms[id] = newRoom(id)
		}
	}
	return w
}

func (w *World) Logger() *zap.Logger {
	return w.log
}

// Metrics returns the attached collector, which may be nil.
func (w *World) Metrics() *metrics.Metrics {
	return w.metrics
}

// Register creates a new identity. See AccountManager.Register.
func (w *World) Register(name, password string) (PersonRecord, error) {
	return w.accounts.Register(name, password)
}

// PersonByName returns a copy of the named identity.
func (w *World) PersonByName(name string) (PersonRecord, bool) {
	return w.accounts.LookupByName(name)
}

// PersonRecord returns a copy of the identity with the given id.
func (w *World) PersonRecord(id PersonID) (PersonRecord, bool) {
	return w.accounts.Lookup(id)
}

func (w *World) Authenticate(record PersonRecord, password string) bool {
	return w.accounts.Authenticate(record, password)
}

// RegisterConnection routes messages for conn into queue.
func (w *World) RegisterConnection(id PersonID, conn Connection, queue *Queue) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.queues[conn]; ok {
		w.log.Warn("connection registered twice; replacing queue", zap.Stringer("conn", conn))
		old.Close()
	} else {
		w.metrics.ConnectionOpened(string(conn.Transport))
	}
	conns, ok := w.connections[id]
	if !ok {
		conns = make(map[Connection]struct{})
		w.connections[id] = conns
	}
	conns[conn] = struct{}{}
	w.queues[conn] = queue
	w.log.Debug("connection registered", zap.Uint64("id", uint64(id)), zap.Stringer("conn", conn))
}

// UnregisterConnection removes conn and closes its queue.
func (w *World) UnregisterConnection(id PersonID, conn Connection) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unregisterLocked(id, conn)
}

func (w *World) unregisterLocked(id PersonID, conn Connection) {
	if conns, ok := w.connections[id]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(w.connections, id)
		}
	} else {
		w.log.Warn("unregister for person without connections", zap.Uint64("id", uint64(id)), zap.Stringer("conn", conn))
	}
	queue, ok := w.queues[conn]
	if !ok {
		w.log.Warn("unregister for unknown connection", zap.Uint64("id", uint64(id)), zap.Stringer("conn", conn))
		return
	}
	queue.Close()
	delete(w.queues, conn)
	w.metrics.ConnectionClosed(string(conn.Transport))
	w.log.Debug("connection unregistered", zap.Uint64("id", uint64(id)), zap.Stringer("conn", conn))
}

// Connected reports whether conn still has a registered queue.
func (w *World) Connected(conn Connection) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.queues[conn]
	return ok
}

// Connections returns the live connections of one identity.
func (w *World) Connections(id PersonID) []Connection {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Connection, 0, len(w.connections[id]))
	for conn := range w.connections[id] {
		out = append(out, conn)
	}
	return out
}

// Broadcast delivers msg to every registered connection.
func (w *World) Broadcast(msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(msg)
}

func (w *World) broadcastLocked(msg Message) {
	w.log.Debug("broadcast", zap.Stringer("kind", msg.Kind))
	for conn, queue := range w.queues {
		w.deliverLocked(conn, queue, msg)
	}
}

// Roomcast delivers msg to the connections present in room.
func (w *World) Roomcast(room RoomID, msg Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roomcastLocked(room, msg)
}

func (w *World) roomcastLocked(room RoomID, msg Message) {
	r, ok := w.rooms[room]
	if !ok {
		w.log.Error("roomcast to unknown room", zap.String("room", string(room)))
		return
	}
	w.log.Debug("roomcast", zap.String("room", string(room)), zap.Stringer("kind", msg.Kind))
	for _, conn := range r.connections() {
		queue, ok := w.queues[conn]
		if !ok {
			w.log.Warn("present in room without a message queue", zap.String("room", string(room)), zap.Stringer("conn", conn))
			w.metrics.DeliveryFailed()
			continue
		}
		w.deliverLocked(conn, queue, msg)
	}
}

func (w *World) deliverLocked(conn Connection, queue *Queue, msg Message) {
	if err := queue.Push(msg); err != nil {
		w.log.Warn("message delivery failed", zap.Stringer("conn", conn), zap.Error(err))
		w.metrics.DeliveryFailed()
		return
	}
	w.metrics.Delivered()
}

// Logout departs p and unregisters its connection. Streaming connections
// receive a final Logout message so their session can close the transport.
func (w *World) Logout(p *Person) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.log.Info("logout", zap.Uint64("id", uint64(p.ID)), zap.Stringer("conn", p.Conn))
	w.departLocked(p)
	if queue, ok := w.queues[p.Conn]; ok && p.Conn.Streaming() {
		w.deliverLocked(p.Conn, queue, LogoutMessage())
	}
	w.unregisterLocked(p.ID, p.Conn)
}

// Disconnect cleans up after a transport goes away: the connection is
// unregistered, then p departs.
func (w *World) Disconnect(p *Person) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unregisterLocked(p.ID, p.Conn)
	w.departLocked(p)
}

// Shutdown asks every session to close by queueing Logout everywhere, then
// closes Done so listeners and the process can stop. Calling it again has no
// effect.
func (w *World) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closing {
		return
	}
	w.closing = true
	w.log.Warn("shutdown initiated", zap.Int("connections", len(w.queues)))
	w.broadcastLocked(LogoutMessage())
	close(w.done)
}

// Closing reports whether Shutdown has been called.
func (w *World) Closing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closing
}

// Done is closed once Shutdown has run.
func (w *World) Done() <-chan struct{} {
	return w.done
}
