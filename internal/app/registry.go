package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/internal/core"
	"github.com/voicebridge/voicebridge/internal/domain"
	"github.com/voicebridge/voicebridge/internal/metrics"
)

// Registry owns all per-connection signaling state: the transport
// endpoint, room memberships and the optional server-side relay peer.
// It is the only place that state is mutated.
type Registry struct {
	mu       sync.RWMutex
	conns    map[domain.ConnID]core.SignalConn
	rooms    map[domain.RoomName]map[domain.ConnID]struct{}
	memberOf map[domain.ConnID]map[domain.RoomName]struct{}
	peers    map[domain.ConnID]core.RelayPeer
}

func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[domain.ConnID]core.SignalConn),
		rooms:    make(map[domain.RoomName]map[domain.ConnID]struct{}),
		memberOf: make(map[domain.ConnID]map[domain.RoomName]struct{}),
		peers:    make(map[domain.ConnID]core.RelayPeer),
	}
}

type peerEvent struct {
	Type string        `json:"type"`
	ID   domain.ConnID `json:"id"`
}

// Register binds a freshly connected transport endpoint. The connection
// starts with no room memberships and no relay peer.
func (r *Registry) Register(id domain.ConnID, conn core.SignalConn) {
	r.mu.Lock()
	r.conns[id] = conn
	r.memberOf[id] = make(map[domain.RoomName]struct{})
	r.mu.Unlock()
	metrics.ActiveConnections.Inc()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("connection registered")
}

// Emit marshals v and queues it as a text frame for one connection.
// A missing connection is a silent no-op per the transport-gone rule.
func (r *Registry) Emit(id domain.ConnID, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("emit marshal")
		return err
	}
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return core.ErrTransportGone
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("conn", string(id)).Msg("emit dropped")
		return err
	}
	return nil
}

// EmitBinary queues a binary frame for one connection.
func (r *Registry) EmitBinary(id domain.ConnID, b []byte) error {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return core.ErrTransportGone
	}
	if err := conn.TrySendBinary(b); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("conn", string(id)).Msg("binary emit dropped")
		return err
	}
	return nil
}

// Broadcast sends v to every member of room except exclude.
// The sender is never echoed its own broadcast.
func (r *Registry) Broadcast(room domain.RoomName, exclude domain.ConnID, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("broadcast marshal")
		return
	}
	for _, conn := range r.roomConns(room, exclude) {
		if err := conn.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("room", string(room)).Msg("broadcast drop")
		}
	}
}

func (r *Registry) roomConns(room domain.RoomName, exclude domain.ConnID) []core.SignalConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]core.SignalConn, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := r.conns[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// JoinRoom adds the connection to room (created implicitly) and
// notifies the other current members.
func (r *Registry) JoinRoom(id domain.ConnID, room domain.RoomName) {
	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnID]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	r.memberOf[id][room] = struct{}{}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("room", string(room)).Msg("joined room")
	r.Broadcast(room, id, peerEvent{Type: "peer-joined", ID: id})
}

// LeaveRoom removes the connection from room and notifies the
// remaining members. Empty rooms are destroyed implicitly.
func (r *Registry) LeaveRoom(id domain.ConnID, room domain.RoomName) {
	if !r.removeFromRoom(id, room) {
		return
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("room", string(room)).Msg("left room")
	r.Broadcast(room, id, peerEvent{Type: "peer-left", ID: id})
}

func (r *Registry) removeFromRoom(id domain.ConnID, room domain.RoomName) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	if set, ok := r.memberOf[id]; ok {
		delete(set, room)
	}
	return true
}

// RoomMembers returns a snapshot of the room's membership.
func (r *Registry) RoomMembers(room domain.RoomName) []domain.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]domain.ConnID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// SetRelayPeer installs the connection's relay peer. At most one peer
// exists per connection; a caller that failed to close the prior one
// leaked it, so the leak is logged and the prior peer closed here.
func (r *Registry) SetRelayPeer(id domain.ConnID, peer core.RelayPeer) {
	r.mu.Lock()
	old, had := r.peers[id]
	r.peers[id] = peer
	r.mu.Unlock()

	if had {
		log.Error().Str("module", "app.registry").Str("conn", string(id)).
			Msg("relay peer replaced without close, closing prior peer")
		safeClosePeer(id, old)
	} else {
		metrics.RelayPeersActive.Inc()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("relay peer set")
}

// RelayPeer looks up the connection's relay peer.
func (r *Registry) RelayPeer(id domain.ConnID) (core.RelayPeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// RemoveRelayPeer forgets the connection's relay peer without closing
// it. Closing is the caller's job (or already happened, when invoked
// from the peer's own closed callback).
func (r *Registry) RemoveRelayPeer(id domain.ConnID) {
	r.mu.Lock()
	_, had := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if had {
		metrics.RelayPeersActive.Dec()
		log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("relay peer removed")
	}
}

// RemoveRelayPeerIf forgets the connection's relay peer only when the
// stored peer is still the given one. Peer closed callbacks use this
// so that a replaced peer's teardown cannot unregister its successor.
func (r *Registry) RemoveRelayPeerIf(id domain.ConnID, peer core.RelayPeer) {
	if peer == nil {
		return
	}
	r.mu.Lock()
	cur, had := r.peers[id]
	if !had || cur != peer {
		r.mu.Unlock()
		return
	}
	delete(r.peers, id)
	r.mu.Unlock()
	metrics.RelayPeersActive.Dec()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("relay peer removed")
}

// DeliveryPath reports where synthesized audio for the connection goes
// right now: the relay peer's data channel when one is open, otherwise
// the socket transport.
func (r *Registry) DeliveryPath(id domain.ConnID) domain.DeliveryPath {
	r.mu.RLock()
	peer, hasPeer := r.peers[id]
	_, hasConn := r.conns[id]
	r.mu.RUnlock()

	if hasPeer && peer.ChannelOpen() {
		return domain.PathDataChannel
	}
	if hasConn {
		return domain.PathSocket
	}
	return domain.PathNone
}

// Disconnect is the single cleanup path for a connection: leave every
// room (notifying each), close and remove any relay peer, forget the
// transport. It is idempotent and swallows sub-step failures so the
// remaining steps always run.
func (r *Registry) Disconnect(id domain.ConnID) {
	r.mu.Lock()
	_, known := r.conns[id]
	delete(r.conns, id)
	roomSet := r.memberOf[id]
	delete(r.memberOf, id)
	peer, hadPeer := r.peers[id]
	delete(r.peers, id)

	var left []domain.RoomName
	for room := range roomSet {
		if members, ok := r.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
			left = append(left, room)
		}
	}
	r.mu.Unlock()

	if !known {
		return
	}

	for _, room := range left {
		r.Broadcast(room, id, peerEvent{Type: "peer-left", ID: id})
	}
	if hadPeer {
		safeClosePeer(id, peer)
		metrics.RelayPeersActive.Dec()
	}
	metrics.ActiveConnections.Dec()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Int("rooms_left", len(left)).Msg("disconnected")
}

// safeClosePeer closes a relay peer without letting a misbehaving
// implementation abort the surrounding cleanup.
func safeClosePeer(id domain.ConnID, peer core.RelayPeer) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Any("panic", rec).Str("module", "app.registry").
				Str("conn", string(id)).Msg("relay peer close panicked")
		}
	}()
	peer.Close()
}
