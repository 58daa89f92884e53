/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Koinonia Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/koinoniahq/koinonia-go/koinoniasdk"
	"github.com/koinoniahq/koinonia-go/members"
	"github.com/koinoniahq/koinonia-go/signaling"
)

var (
	// ErrInvalidState is returned when an operation is not permitted in the
	// current call state, e.g. accepting while no invite is pending.
	ErrInvalidState = errors.New("operation not valid in current call state")

	// ErrNoAnswer is the error carried by the ended event when the ring
	// timeout elapses without any callee accepting.
	ErrNoAnswer = errors.New("call was not answered")
)

// MemberDirectory resolves member IDs to profile details for invites and
// participant lists. *members.Client satisfies it.
type MemberDirectory interface {
	Get(memberID string) (*members.Member, error)
}

// QualityUpdate is the payload of a network_quality event.
type QualityUpdate struct {
	MemberID string
	Quality  NetworkQuality
}

// CallManager owns the call lifecycle for one device: at most one call at a
// time, driven by local operations, signaling gateway events, and media room
// callbacks. A single mutex serializes every transition; REST requests are
// issued outside the lock and their continuations re-validate the call
// generation before applying results, so a call that was torn down while a
// request was in flight is never resurrected.
type CallManager struct {
	mu sync.Mutex

	api       callAPI
	config    *Config
	logger    koinoniasdk.Logger
	directory MemberDirectory

	// Events
	Emitter *EventEmitter

	// gen identifies the current call attempt. It is incremented whenever
	// the call context is torn down; continuations and timers capture it and
	// become no-ops when it has moved on.
	gen uint64

	uiState UIState
	record  *CallRecord
	invite  *IncomingCallInvite
	local   LocalParticipantState

	// selfID is this device's member ID, learned from the media room token.
	selfID string

	// registry tracks remote participants, keyed by member ID. It is driven
	// by signaling; media room callbacks only enrich existing entries.
	registry map[string]*RemoteParticipantState

	// pendingCallees tracks invited parties on an outgoing call that have
	// neither accepted nor rejected yet.
	pendingCallees map[string]bool

	roomFactory RoomFactory
	room        RoomConnection
	mediaRoom   *MediaRoomDescriptor

	callStartTime time.Time
	ringGuard     *time.Timer
	endedDelay    *time.Timer
	durationStop  chan struct{}

	// syncMu guards the participant-sync queue. Server notifications for
	// local media flags are delivered one at a time in toggle order.
	syncMu     sync.Mutex
	syncQueue  []participantSync
	syncActive bool
}

// participantSync is one queued server notification of the local media
// flags, captured at toggle time.
type participantSync struct {
	callID string
	state  LocalParticipantState
}

// NewCallManager creates a CallManager backed by the Koinonia
// call-management API and the default SFU media provider.
func NewCallManager(core *koinoniasdk.Client, config *Config) *CallManager {
	var logger koinoniasdk.Logger
	if core != nil {
		logger = core.GetLogger()
	}
	return newCallManager(newRESTCallAPI(core), config, logger)
}

func newCallManager(api callAPI, config *Config, logger koinoniasdk.Logger) *CallManager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RingTimeout == 0 {
		config.RingTimeout = 45 * time.Second
	}
	if config.EndedDisplayDelay == 0 {
		config.EndedDisplayDelay = 1500 * time.Millisecond
	}
	if config.DurationTickInterval == 0 {
		config.DurationTickInterval = time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	return &CallManager{
		api:         api,
		config:      config,
		logger:      logger,
		Emitter:     NewEventEmitter(),
		uiState:     UIStateIdle,
		registry:    make(map[string]*RemoteParticipantState),
		roomFactory: NewSFURoom,
	}
}

// WithMemberDirectory sets the directory used to resolve display names and
// avatars for invites and joining participants.
func (m *CallManager) WithMemberDirectory(directory MemberDirectory) *CallManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directory = directory
	return m
}

// WithRoomFactory replaces the media room provider.
func (m *CallManager) WithRoomFactory(factory RoomFactory) *CallManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roomFactory = factory
	return m
}

// BindSignaling subscribes the manager's signal handlers on a signaling
// client. Signals for other calls or incompatible states are dropped.
func (m *CallManager) BindSignaling(sig *signaling.Client) {
	decode := func(sig *signaling.Signal, v interface{}) bool {
		if err := json.Unmarshal(sig.Data, v); err != nil {
			m.logger.Printf("calling: malformed %s signal: %v", sig.Type, err)
			return false
		}
		return true
	}

	sig.On(SignalInvite, func(s *signaling.Signal) {
		var p InvitePayload
		if decode(s, &p) {
			m.onInvite(&p)
		}
	})
	sig.On(SignalAccept, func(s *signaling.Signal) {
		var p AcceptPayload
		if decode(s, &p) {
			m.onAccepted(&p)
		}
	})
	sig.On(SignalReject, func(s *signaling.Signal) {
		var p RejectPayload
		if decode(s, &p) {
			m.onRejected(&p)
		}
	})
	sig.On(SignalCancel, func(s *signaling.Signal) {
		var p CancelPayload
		if decode(s, &p) {
			m.onCancelled(&p)
		}
	})
	sig.On(SignalEnd, func(s *signaling.Signal) {
		var p EndPayload
		if decode(s, &p) {
			m.onEnded(&p)
		}
	})
	sig.On(SignalParticipantJoined, func(s *signaling.Signal) {
		var p ParticipantJoinedPayload
		if decode(s, &p) {
			m.onParticipantJoined(&p)
		}
	})
	sig.On(SignalParticipantLeft, func(s *signaling.Signal) {
		var p ParticipantLeftPayload
		if decode(s, &p) {
			m.onParticipantLeft(&p)
		}
	})
	sig.On(SignalParticipantMuted, func(s *signaling.Signal) {
		var p ParticipantMutedPayload
		if decode(s, &p) {
			m.onParticipantMuted(&p)
		}
	})
	sig.On(SignalParticipantVideoChanged, func(s *signaling.Signal) {
		var p ParticipantVideoPayload
		if decode(s, &p) {
			m.onParticipantVideoChanged(&p)
		}
	})
}

// ---- Event buffering ----

// Events are collected while the lock is held and emitted after release, so
// handlers may call back into the manager without deadlocking.
type pendingEvent struct {
	key  CallEventKey
	data interface{}
}

type pendingEvents struct {
	list []pendingEvent
}

func (p *pendingEvents) add(key CallEventKey, data interface{}) {
	p.list = append(p.list, pendingEvent{key: key, data: data})
}

func (m *CallManager) flush(evts *pendingEvents) {
	for _, e := range evts.list {
		m.Emitter.Emit(string(e.key), e.data)
	}
}

// ---- Getters ----

// State returns the current UI state.
func (m *CallManager) State() UIState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uiState
}

// ActiveCall returns a copy of the current call record, or nil.
func (m *CallManager) ActiveCall() *CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil
	}
	record := *m.record
	record.Participants = append([]Participant(nil), m.record.Participants...)
	return &record
}

// PendingInvite returns a copy of the pending incoming invite, or nil.
func (m *CallManager) PendingInvite() *IncomingCallInvite {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invite == nil {
		return nil
	}
	invite := *m.invite
	return &invite
}

// LocalState returns this device's media flags.
func (m *CallManager) LocalState() LocalParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// Participants returns a snapshot of the remote participant registry.
func (m *CallManager) Participants() []RemoteParticipantState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RemoteParticipantState, 0, len(m.registry))
	for _, p := range m.registry {
		out = append(out, *p)
	}
	return out
}

// ---- Local operations ----

// InitiateCall starts an outgoing call to one or more callees. The state
// moves to outgoing immediately and the ring timeout starts; if no callee
// accepts within it, the call ends with a no-answer outcome.
func (m *CallManager) InitiateCall(calleeIDs []string, callType CallType, communityID string) error {
	if len(calleeIDs) == 0 {
		return fmt.Errorf("at least one callee is required")
	}

	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateIdle {
		m.mu.Unlock()
		return ErrInvalidState
	}
	gen := m.gen
	m.pendingCallees = make(map[string]bool, len(calleeIDs))
	for _, id := range calleeIDs {
		m.pendingCallees[id] = true
	}
	m.local = LocalParticipantState{
		IsVideoEnabled: callType == CallTypeVideo,
		IsSpeakerOn:    callType == CallTypeVideo,
	}
	m.setStateLocked(UIStateOutgoing, evts)
	m.ringGuard = time.AfterFunc(m.config.RingTimeout, func() {
		m.onRingTimeout(gen)
	})
	m.mu.Unlock()
	m.flush(evts)

	record, mediaRoom, err := m.api.Initiate(calleeIDs, callType, communityID)

	evts = &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		// Torn down while the request was in flight (cancelled locally or
		// the ring guard fired). If the server did create the call, withdraw
		// it so callees stop ringing.
		m.mu.Unlock()
		if err == nil && record != nil {
			go func() {
				if cancelErr := m.api.Cancel(record.CallID); cancelErr != nil {
					m.logger.Printf("calling: cleanup cancel for %s failed: %v", record.CallID, cancelErr)
				}
			}()
		}
		return nil
	}
	if err != nil {
		if m.ringGuard != nil {
			m.ringGuard.Stop()
			m.ringGuard = nil
		}
		m.pendingCallees = nil
		m.setStateLocked(UIStateIdle, evts)
		m.mu.Unlock()
		m.flush(evts)
		return fmt.Errorf("call initiation failed: %w", err)
	}
	m.record = record
	m.mediaRoom = mediaRoom
	m.mu.Unlock()
	return nil
}

// AcceptCall answers the pending incoming invite. On success the state moves
// to connecting and the media room is joined; the call becomes active once
// the caller is reachable.
func (m *CallManager) AcceptCall() error {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateIncoming || m.invite == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	gen := m.gen
	callID := m.invite.CallID
	m.local = LocalParticipantState{
		IsVideoEnabled: m.invite.CallType == CallTypeVideo,
		IsSpeakerOn:    m.invite.CallType == CallTypeVideo,
	}
	m.setStateLocked(UIStateConnecting, evts)
	m.mu.Unlock()
	m.flush(evts)

	record, mediaRoom, err := m.api.Accept(callID)

	evts = &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		if koinoniasdk.IsConflict(err) || koinoniasdk.IsNotFound(err) {
			// The invite is gone server-side (cancelled or expired).
			m.endLocked(EndReasonCancelled, err, evts)
			m.mu.Unlock()
			m.flush(evts)
			return fmt.Errorf("call accept failed: %w", err)
		}
		// The accept did not take effect; the caller sees the error and the
		// invite is discarded rather than left half-answered.
		m.invite = nil
		m.setStateLocked(UIStateIdle, evts)
		m.mu.Unlock()
		m.flush(evts)
		return fmt.Errorf("call accept failed: %w", err)
	}
	m.record = record
	m.mediaRoom = mediaRoom
	m.invite = nil
	m.bindMediaLocked(evts)
	m.mu.Unlock()
	m.flush(evts)
	return nil
}

// RejectCall declines the pending incoming invite and returns to idle
// immediately; the server request is best-effort.
func (m *CallManager) RejectCall() error {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateIncoming || m.invite == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	callID := m.invite.CallID
	m.dismissLocked(EndReasonRejected, evts)
	m.mu.Unlock()
	m.flush(evts)

	go func() {
		if err := m.api.Reject(callID); err != nil {
			m.logger.Printf("calling: reject for %s failed: %v", callID, err)
		}
	}()
	return nil
}

// CancelCall withdraws an outgoing call before any callee accepts. Safe to
// call while the initiation request is still in flight; the created call is
// withdrawn server-side once the request completes.
func (m *CallManager) CancelCall() error {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateOutgoing {
		m.mu.Unlock()
		return ErrInvalidState
	}
	var callID string
	if m.record != nil {
		callID = m.record.CallID
	}
	m.dismissLocked(EndReasonCancelled, evts)
	m.mu.Unlock()
	m.flush(evts)

	if callID != "" {
		go func() {
			if err := m.api.Cancel(callID); err != nil {
				m.logger.Printf("calling: cancel for %s failed: %v", callID, err)
			}
		}()
	}
	return nil
}

// EndCall hangs up an established call. Callable while the accept request
// is still in flight; the server-side hangup is skipped until the call ID
// is known, and the stale continuation is discarded.
func (m *CallManager) EndCall() error {
	evts := &pendingEvents{}
	m.mu.Lock()
	if !m.inCallLocked() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	var callID string
	if m.record != nil {
		callID = m.record.CallID
	}
	m.endLocked(EndReasonCompleted, nil, evts)
	m.mu.Unlock()
	m.flush(evts)

	if callID != "" {
		go func() {
			if err := m.api.End(callID); err != nil {
				m.logger.Printf("calling: end for %s failed: %v", callID, err)
			}
		}()
	}
	return nil
}

// ToggleMute flips the local microphone. The local flag is authoritative and
// changes immediately; the media room and the server are synchronized
// asynchronously and failures are logged, not surfaced.
func (m *CallManager) ToggleMute() error {
	m.mu.Lock()
	if !m.inCallLocked() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	if m.record == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.local.IsMuted = !m.local.IsMuted
	muted := m.local.IsMuted
	room := m.room
	m.queueParticipantSyncLocked(m.record.CallID)
	m.mu.Unlock()

	if room != nil {
		if err := room.SetMicrophoneEnabled(!muted); err != nil {
			m.logger.Printf("calling: microphone toggle failed: %v", err)
		}
	}
	return nil
}

// ToggleVideo flips the local camera.
func (m *CallManager) ToggleVideo() error {
	m.mu.Lock()
	if !m.inCallLocked() {
		m.mu.Unlock()
		return ErrInvalidState
	}
	if m.record == nil {
		m.mu.Unlock()
		return ErrInvalidState
	}
	m.local.IsVideoEnabled = !m.local.IsVideoEnabled
	enabled := m.local.IsVideoEnabled
	room := m.room
	m.queueParticipantSyncLocked(m.record.CallID)
	m.mu.Unlock()

	if room != nil {
		if err := room.SetCameraEnabled(enabled); err != nil {
			m.logger.Printf("calling: camera toggle failed: %v", err)
		}
	}
	return nil
}

// ToggleSpeaker flips loudspeaker playback. Playback routing is local, but
// the flag is still synchronized to the server like the other media flags.
func (m *CallManager) ToggleSpeaker() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inCallLocked() {
		return ErrInvalidState
	}
	m.local.IsSpeakerOn = !m.local.IsSpeakerOn
	if m.record != nil {
		m.queueParticipantSyncLocked(m.record.CallID)
	}
	return nil
}

// queueParticipantSyncLocked snapshots the local media flags and schedules
// their delivery to the server. A single drain goroutine works the queue in
// order, so two rapid toggles cannot reach the server reversed and leave it
// holding the older state. Failures are logged, never surfaced; the local
// flags stay authoritative. Caller must hold mu.
func (m *CallManager) queueParticipantSyncLocked(callID string) {
	upd := participantSync{callID: callID, state: m.local}
	m.syncMu.Lock()
	m.syncQueue = append(m.syncQueue, upd)
	if !m.syncActive {
		m.syncActive = true
		go m.drainParticipantSync()
	}
	m.syncMu.Unlock()
}

func (m *CallManager) drainParticipantSync() {
	for {
		m.syncMu.Lock()
		if len(m.syncQueue) == 0 {
			m.syncActive = false
			m.syncMu.Unlock()
			return
		}
		upd := m.syncQueue[0]
		m.syncQueue = m.syncQueue[1:]
		m.syncMu.Unlock()

		if err := m.api.UpdateParticipant(upd.callID, &upd.state); err != nil {
			m.logger.Printf("calling: participant update for %s failed: %v", upd.callID, err)
		}
	}
}

// ---- Signal handlers ----

// onInvite handles call.invite. An invite arriving while another call is in
// progress is rejected immediately so the caller is not left ringing.
func (m *CallManager) onInvite(p *InvitePayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateIdle {
		m.mu.Unlock()
		go func() {
			if err := m.api.Reject(p.CallID); err != nil {
				m.logger.Printf("calling: busy reject for %s failed: %v", p.CallID, err)
			}
		}()
		return
	}
	m.invite = &IncomingCallInvite{
		CallID:       p.CallID,
		CallerID:     p.CallerID,
		CallerName:   p.CallerName,
		CallerAvatar: p.CallerAvatar,
		CallType:     p.CallType,
		CommunityID:  p.CommunityID,
		RoomName:     p.RoomName,
	}
	invite := *m.invite
	m.setStateLocked(UIStateIncoming, evts)
	evts.add(CallEventIncomingInvite, &invite)
	directory := m.directory
	m.mu.Unlock()
	m.flush(evts)

	if directory != nil && p.CallerName == "" {
		go m.enrichInvite(p.CallID, p.CallerID)
	}
}

// onAccepted handles call.accept on the caller side: a callee answered, so
// the ring guard is disarmed and the media room is joined. Arriving after
// the ring guard fired, it is a stale signal and is dropped.
func (m *CallManager) onAccepted(p *AcceptPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.uiState != UIStateOutgoing || m.record == nil || m.record.CallID != p.CallID {
		m.mu.Unlock()
		return
	}
	if m.ringGuard != nil {
		m.ringGuard.Stop()
		m.ringGuard = nil
	}
	if p.Call != nil {
		m.record = p.Call
	} else {
		m.record.Status = CallStatusActive
	}
	delete(m.pendingCallees, p.MemberID)
	m.setStateLocked(UIStateConnecting, evts)
	m.bindMediaLocked(evts)
	m.mu.Unlock()
	m.flush(evts)
}

// onRejected handles call.reject on the caller side. With several callees
// the call keeps ringing until the last one has declined. Once somebody has
// accepted, a remaining callee's reject only prunes them from the call.
func (m *CallManager) onRejected(p *RejectPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID {
		m.mu.Unlock()
		return
	}
	switch {
	case m.uiState == UIStateOutgoing:
		delete(m.pendingCallees, p.MemberID)
		if len(m.pendingCallees) > 0 {
			m.mu.Unlock()
			return
		}
		m.endLocked(EndReasonRejected, nil, evts)
	case m.inCallLocked():
		delete(m.pendingCallees, p.MemberID)
		m.removeCalleeLocked(p.MemberID)
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.flush(evts)
}

// removeCalleeLocked drops a callee from the call record's participant
// list. Caller must hold mu.
func (m *CallManager) removeCalleeLocked(memberID string) {
	kept := m.record.Participants[:0]
	for _, p := range m.record.Participants {
		if p.Role == RoleCallee && p.MemberID == memberID {
			continue
		}
		kept = append(kept, p)
	}
	m.record.Participants = kept
}

// onCancelled handles call.cancel. On the callee side the caller withdrew
// the invite, which drops straight back to idle. A cancel can also reach
// the caller's own outgoing or connecting call (another device of the same
// member cancelled, or the server withdrew it); that call ends with the
// usual outcome display. A cancel racing an in-flight accept matches via
// the pending invite, so it still applies once the accept resolves.
func (m *CallManager) onCancelled(p *CancelPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	switch m.uiState {
	case UIStateIncoming:
		if m.invite == nil || m.invite.CallID != p.CallID {
			m.mu.Unlock()
			return
		}
		m.dismissLocked(EndReasonCancelled, evts)
	case UIStateOutgoing, UIStateConnecting:
		if !m.matchesCurrentLocked(p.CallID) {
			m.mu.Unlock()
			return
		}
		m.endLocked(EndReasonCancelled, nil, evts)
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.flush(evts)
}

// onEnded handles call.end: the call was terminated remotely.
func (m *CallManager) onEnded(p *EndPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID || !m.inCallLocked() {
		m.mu.Unlock()
		return
	}
	m.endLocked(mapEndReason(p.Reason), nil, evts)
	m.mu.Unlock()
	m.flush(evts)
}

// onParticipantJoined handles call.participant-joined. The first remote
// participant reaching the room moves the call from connecting to active
// and starts the duration clock.
func (m *CallManager) onParticipantJoined(p *ParticipantJoinedPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID || !m.inCallLocked() {
		m.mu.Unlock()
		return
	}
	if p.MemberID == m.selfID {
		m.mu.Unlock()
		return
	}
	entry, known := m.registry[p.MemberID]
	if !known {
		entry = &RemoteParticipantState{
			MemberID:       p.MemberID,
			DisplayName:    p.DisplayName,
			Avatar:         p.Avatar,
			NetworkQuality: QualityUnknown,
		}
		m.registry[p.MemberID] = entry
		evts.add(CallEventParticipantJoined, *entry)
	} else if p.DisplayName != "" {
		entry.DisplayName = p.DisplayName
		entry.Avatar = p.Avatar
	}
	delete(m.pendingCallees, p.MemberID)
	if m.uiState == UIStateConnecting {
		m.setStateLocked(UIStateActive, evts)
		m.startDurationLocked()
	}
	directory := m.directory
	needsName := !known && entry.DisplayName == ""
	m.mu.Unlock()
	m.flush(evts)

	if directory != nil && needsName {
		go m.enrichParticipant(p.CallID, p.MemberID)
	}
}

// onParticipantLeft handles call.participant-left. When the last remote
// participant is gone the call ends autonomously; the server is notified
// best-effort so the record closes even if its own detection lags.
func (m *CallManager) onParticipantLeft(p *ParticipantLeftPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID || !m.inCallLocked() {
		m.mu.Unlock()
		return
	}
	if _, known := m.registry[p.MemberID]; !known {
		m.mu.Unlock()
		return
	}
	delete(m.registry, p.MemberID)
	evts.add(CallEventParticipantLeft, p.MemberID)

	var endedCallID string
	if len(m.registry) == 0 && (m.uiState == UIStateActive || m.uiState == UIStateReconnecting) {
		endedCallID = m.record.CallID
		m.endLocked(EndReasonParticipantsLeft, nil, evts)
	}
	m.mu.Unlock()
	m.flush(evts)

	if endedCallID != "" {
		go func() {
			if err := m.api.End(endedCallID); err != nil {
				m.logger.Printf("calling: end for %s failed: %v", endedCallID, err)
			}
		}()
	}
}

// onParticipantMuted handles call.participant-muted.
func (m *CallManager) onParticipantMuted(p *ParticipantMutedPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID {
		m.mu.Unlock()
		return
	}
	if entry, ok := m.registry[p.MemberID]; ok {
		entry.IsMuted = p.IsMuted
		evts.add(CallEventParticipantUpdated, *entry)
	}
	m.mu.Unlock()
	m.flush(evts)
}

// onParticipantVideoChanged handles call.participant-video-changed.
func (m *CallManager) onParticipantVideoChanged(p *ParticipantVideoPayload) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.record == nil || m.record.CallID != p.CallID {
		m.mu.Unlock()
		return
	}
	if entry, ok := m.registry[p.MemberID]; ok {
		entry.IsVideoEnabled = p.IsVideoEnabled
		evts.add(CallEventParticipantUpdated, *entry)
	}
	m.mu.Unlock()
	m.flush(evts)
}

// ---- Timers ----

// onRingTimeout fires when the outgoing call was not accepted in time. The
// server enforces the same timeout and notifies callees itself, so no
// request is issued here.
func (m *CallManager) onRingTimeout(gen uint64) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen || m.uiState != UIStateOutgoing {
		m.mu.Unlock()
		return
	}
	m.endLocked(EndReasonNoAnswer, ErrNoAnswer, evts)
	m.mu.Unlock()
	m.flush(evts)
}

// startDurationLocked begins the duration clock. Caller must hold mu.
func (m *CallManager) startDurationLocked() {
	if m.durationStop != nil {
		return
	}
	m.callStartTime = time.Now()
	stop := make(chan struct{})
	m.durationStop = stop
	go m.runDurationTicker(m.gen, stop)
}

func (m *CallManager) stopDurationLocked() {
	if m.durationStop != nil {
		close(m.durationStop)
		m.durationStop = nil
	}
}

func (m *CallManager) runDurationTicker(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(m.config.DurationTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.gen != gen || (m.uiState != UIStateActive && m.uiState != UIStateReconnecting) {
				m.mu.Unlock()
				return
			}
			seconds := int(time.Since(m.callStartTime) / time.Second)
			m.mu.Unlock()
			m.Emitter.Emit(string(CallEventDurationTick), seconds)
		}
	}
}

// ---- Media binding ----

// bindMediaLocked creates the media room connection for the current call
// and starts joining it in the background. Caller must hold mu.
func (m *CallManager) bindMediaLocked(evts *pendingEvents) {
	desc := m.mediaRoom
	if desc == nil {
		m.endLocked(EndReasonMediaFailed, fmt.Errorf("no media room descriptor"), evts)
		return
	}

	if claims, err := ParseRoomToken(desc.Token); err == nil && m.selfID == "" {
		m.selfID = claims.MemberID
	}

	gen := m.gen
	room := m.roomFactory()
	m.room = room

	room.OnConnectionStateChanged(func(state RoomConnectionState) {
		m.onRoomState(gen, state)
	})
	room.OnParticipantConnected(func(p RoomParticipant) {
		m.onRoomParticipant(gen, p)
	})
	room.OnParticipantDisconnected(func(memberID string) {
		// Media drops are handled via connection state; membership changes
		// come from signaling.
		m.logger.Printf("calling: media path to %s dropped", memberID)
	})
	room.OnActiveSpeakersChanged(func(memberIDs []string) {
		m.onActiveSpeakers(gen, memberIDs)
	})
	room.OnConnectionQualityChanged(func(memberID string, quality NetworkQuality) {
		m.onQuality(gen, memberID, quality)
	})

	opts := RoomOptions{
		EnableVideo:   m.record != nil && m.record.CallType == CallTypeVideo,
		LocalMemberID: m.selfID,
	}
	go m.connectRoom(gen, room, desc, opts)
}

// connectRoom joins the media room off the lock and reports failures as a
// terminal media error.
func (m *CallManager) connectRoom(gen uint64, room RoomConnection, desc *MediaRoomDescriptor, opts RoomOptions) {
	err := validateDescriptor(desc)
	if err == nil {
		err = room.Connect(desc, opts)
	}
	if err == nil {
		return
	}

	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	evts.add(CallEventError, err)
	m.endLocked(EndReasonMediaFailed, err, evts)
	m.mu.Unlock()
	m.flush(evts)
}

// onRoomState reacts to media connection state changes: a drop degrades an
// active call to reconnecting, recovery restores it, and a terminal failure
// ends the call.
func (m *CallManager) onRoomState(gen uint64, state RoomConnectionState) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}

	switch state {
	case RoomStateConnected:
		if m.uiState == UIStateReconnecting {
			m.setStateLocked(UIStateActive, evts)
		}
	case RoomStateDisconnected:
		if m.uiState == UIStateActive || m.uiState == UIStateConnecting {
			m.setStateLocked(UIStateReconnecting, evts)
		}
	case RoomStateFailed:
		if m.inCallLocked() {
			err := fmt.Errorf("media connection failed")
			evts.add(CallEventError, err)
			m.endLocked(EndReasonMediaFailed, err, evts)
		}
	}
	m.mu.Unlock()
	m.flush(evts)
}

// onRoomParticipant enriches the registry from the media provider's view of
// a participant. Membership itself is driven by signaling, so an unknown
// member here only fills in early media details.
func (m *CallManager) onRoomParticipant(gen uint64, p RoomParticipant) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen || p.MemberID == m.selfID {
		m.mu.Unlock()
		return
	}
	if entry, ok := m.registry[p.MemberID]; ok {
		entry.IsMuted = p.IsMuted
		entry.IsSpeaking = p.IsSpeaking
		if entry.DisplayName == "" {
			entry.DisplayName = p.DisplayName
		}
		evts.add(CallEventParticipantUpdated, *entry)
	}
	m.mu.Unlock()
	m.flush(evts)
}

// onActiveSpeakers applies the provider's speaking set to the registry.
func (m *CallManager) onActiveSpeakers(gen uint64, memberIDs []string) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	speaking := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		speaking[id] = true
	}
	for id, entry := range m.registry {
		entry.IsSpeaking = speaking[id]
	}
	evts.add(CallEventActiveSpeakers, memberIDs)
	m.mu.Unlock()
	m.flush(evts)
}

// onQuality applies a per-participant network quality report.
func (m *CallManager) onQuality(gen uint64, memberID string, quality NetworkQuality) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	if entry, ok := m.registry[memberID]; ok {
		entry.NetworkQuality = quality
	}
	evts.add(CallEventNetworkQuality, QualityUpdate{MemberID: memberID, Quality: quality})
	m.mu.Unlock()
	m.flush(evts)
}

// ---- Directory enrichment ----

// enrichInvite resolves the caller's profile and re-emits the invite with
// display details filled in, if the invite is still pending.
func (m *CallManager) enrichInvite(callID, callerID string) {
	member, err := m.directory.Get(callerID)
	if err != nil {
		m.logger.Printf("calling: caller lookup for %s failed: %v", callerID, err)
		return
	}

	m.mu.Lock()
	if m.invite == nil || m.invite.CallID != callID {
		m.mu.Unlock()
		return
	}
	m.invite.CallerName = member.DisplayName
	m.invite.CallerAvatar = member.Avatar
	invite := *m.invite
	m.mu.Unlock()
	m.Emitter.Emit(string(CallEventIncomingInvite), &invite)
}

// enrichParticipant resolves a joined participant's profile.
func (m *CallManager) enrichParticipant(callID, memberID string) {
	member, err := m.directory.Get(memberID)
	if err != nil {
		m.logger.Printf("calling: member lookup for %s failed: %v", memberID, err)
		return
	}

	m.mu.Lock()
	if m.record == nil || m.record.CallID != callID {
		m.mu.Unlock()
		return
	}
	entry, ok := m.registry[memberID]
	if !ok {
		m.mu.Unlock()
		return
	}
	entry.DisplayName = member.DisplayName
	entry.Avatar = member.Avatar
	updated := *entry
	m.mu.Unlock()
	m.Emitter.Emit(string(CallEventParticipantUpdated), updated)
}

// ---- Internal transitions ----

// matchesCurrentLocked reports whether callID identifies the call being
// tracked, via the record or, while a request is still in flight, the
// pending invite. Caller must hold mu.
func (m *CallManager) matchesCurrentLocked(callID string) bool {
	if m.record != nil {
		return m.record.CallID == callID
	}
	if m.invite != nil {
		return m.invite.CallID == callID
	}
	return false
}

// inCallLocked reports whether a call is established or being established.
// Caller must hold mu.
func (m *CallManager) inCallLocked() bool {
	switch m.uiState {
	case UIStateConnecting, UIStateActive, UIStateReconnecting:
		return true
	}
	return false
}

// setStateLocked moves the UI state and queues the change event. Caller
// must hold mu.
func (m *CallManager) setStateLocked(to UIState, evts *pendingEvents) {
	if m.uiState == to {
		return
	}
	evts.add(CallEventStateChanged, StateChange{From: m.uiState, To: to})
	m.uiState = to
}

// endLocked moves the call into the ended state: timers stop, the media
// room closes, the generation advances so in-flight continuations become
// no-ops, and after the display delay the manager resets to idle. Caller
// must hold mu.
func (m *CallManager) endLocked(reason EndReason, err error, evts *pendingEvents) {
	if m.uiState == UIStateIdle || m.uiState == UIStateEnded {
		return
	}

	if m.ringGuard != nil {
		m.ringGuard.Stop()
		m.ringGuard = nil
	}
	m.stopDurationLocked()

	var callID string
	if m.record != nil {
		callID = m.record.CallID
	} else if m.invite != nil {
		callID = m.invite.CallID
	}

	duration := 0
	if !m.callStartTime.IsZero() {
		duration = int(time.Since(m.callStartTime) / time.Second)
	}

	if room := m.room; room != nil {
		m.room = nil
		go func() {
			if closeErr := room.Close(); closeErr != nil {
				m.logger.Printf("calling: media room close failed: %v", closeErr)
			}
		}()
	}

	m.invite = nil
	m.setStateLocked(UIStateEnded, evts)
	evts.add(CallEventEnded, &EndedInfo{
		CallID:          callID,
		Reason:          reason,
		DurationSeconds: duration,
		Err:             err,
	})

	m.gen++
	gen := m.gen
	m.endedDelay = time.AfterFunc(m.config.EndedDisplayDelay, func() {
		m.resetAfterEnded(gen)
	})
}

// dismissLocked tears the call down straight to idle, skipping the ended
// display hold. Used when the user dismissed the call themselves (reject,
// cancel) or the caller withdrew a pending invite; there is no outcome for
// the UI to dwell on, and a fresh invite must be acceptable immediately.
// Caller must hold mu.
func (m *CallManager) dismissLocked(reason EndReason, evts *pendingEvents) {
	if m.uiState == UIStateIdle {
		return
	}

	if m.ringGuard != nil {
		m.ringGuard.Stop()
		m.ringGuard = nil
	}
	m.stopDurationLocked()
	if m.endedDelay != nil {
		m.endedDelay.Stop()
		m.endedDelay = nil
	}

	var callID string
	if m.record != nil {
		callID = m.record.CallID
	} else if m.invite != nil {
		callID = m.invite.CallID
	}

	duration := 0
	if !m.callStartTime.IsZero() {
		duration = int(time.Since(m.callStartTime) / time.Second)
	}

	if room := m.room; room != nil {
		m.room = nil
		go func() {
			if closeErr := room.Close(); closeErr != nil {
				m.logger.Printf("calling: media room close failed: %v", closeErr)
			}
		}()
	}

	m.record = nil
	m.invite = nil
	m.mediaRoom = nil
	m.local = LocalParticipantState{}
	m.registry = make(map[string]*RemoteParticipantState)
	m.pendingCallees = nil
	m.callStartTime = time.Time{}

	m.setStateLocked(UIStateIdle, evts)
	evts.add(CallEventEnded, &EndedInfo{
		CallID:          callID,
		Reason:          reason,
		DurationSeconds: duration,
	})

	m.gen++
}

// resetAfterEnded returns the manager to idle once the ended state has been
// displayed.
func (m *CallManager) resetAfterEnded(gen uint64) {
	evts := &pendingEvents{}
	m.mu.Lock()
	if m.gen != gen || m.uiState != UIStateEnded {
		m.mu.Unlock()
		return
	}
	m.record = nil
	m.invite = nil
	m.mediaRoom = nil
	m.local = LocalParticipantState{}
	m.registry = make(map[string]*RemoteParticipantState)
	m.pendingCallees = nil
	m.callStartTime = time.Time{}
	m.endedDelay = nil
	m.setStateLocked(UIStateIdle, evts)
	m.mu.Unlock()
	m.flush(evts)
}

// mapEndReason translates a wire end reason, defaulting to remote-ended.
func mapEndReason(reason string) EndReason {
	switch EndReason(reason) {
	case EndReasonCompleted, EndReasonNoAnswer, EndReasonRejected,
		EndReasonCancelled, EndReasonRemoteEnded, EndReasonParticipantsLeft,
		EndReasonMediaFailed:
		return EndReason(reason)
	default:
		return EndReasonRemoteEnded
	}
}
