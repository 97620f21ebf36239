package collab

import (
	"context"
	"log"
	"sync"
	"time"
)

// VersionSink receives every successful apply so the canonical version
// survives restarts. Implementations live in internal/versionlog.
type VersionSink interface {
	Record(ctx context.Context, documentID, entityID string, version int64, op Operation, at time.Time) error
	Load(ctx context.Context, documentID string) ([]VersionedEntity, error)
}

// EventExporter mirrors room events to an external feed (the Redis bridge).
// Export must not block; the room actor calls it inline.
type EventExporter interface {
	Export(documentID string, e Event)
}

// Options carries the per-room tuning knobs. Zero values fall back to the
// engine defaults.
type Options struct {
	Liveness         time.Duration // presence window, default 30s
	SweepEvery       time.Duration // background sweep tick, default 5s
	OfflineRetention time.Duration // offline visibility ceiling, default 10m
	Grace            time.Duration // empty-room disposal delay, default 60s
	AutoReject       time.Duration // auto-reject pending conflicts, 0 = off
	InboxDepth       int           // command queue bound, default 256
	RingDepth        int           // broadcast replay ring, default 500
	RingWindow       time.Duration // replay ring age bound, default 5m
	SubscriberBuffer int           // per-subscriber channel depth, default 64
	Merge            MergeStrategy
	Classifier       ConflictClassifier
	Sink             VersionSink
	Exporter         EventExporter
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Liveness <= 0 {
		o.Liveness = 30 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 5 * time.Second
	}
	if o.OfflineRetention <= 0 {
		o.OfflineRetention = 10 * time.Minute
	}
	if o.Grace <= 0 {
		o.Grace = 60 * time.Second
	}
	if o.InboxDepth <= 0 {
		o.InboxDepth = 256
	}
	if o.RingDepth <= 0 {
		o.RingDepth = 500
	}
	if o.RingWindow <= 0 {
		o.RingWindow = 5 * time.Minute
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.Merge == nil {
		o.Merge = FieldMerge{}
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// JoinResult is handed back to the transport on join. When the rejoining
// client's gap is still inside the replay ring, Backfill carries the missed
// events; otherwise Snapshot and Pending describe current room state and the
// client resets its cursor to CurrentSeq.
type JoinResult struct {
	Self       PresenceIndicator
	Backfill   []Event
	Snapshot   *PresenceSnapshot
	Pending    []CollaborationConflict
	CurrentSeq uint64
}

// SubmitResult reports the synchronous outcome of an operation submission.
// Applied and conflict outcomes are also broadcast to the room.
type SubmitResult struct {
	Applied    bool
	Queued     bool
	NewVersion int64
	Conflict   *CollaborationConflict
}

type cmdJoin struct {
	p     PresenceIndicator
	sub   *Subscriber
	since uint64
	reply chan JoinResult
}

type cmdLeave struct{ connectionID string }

// cmdDetach unsubscribes a dropped socket without removing the roster
// entry; liveness timeout moves it to the offline partition for peers.
type cmdDetach struct{ connectionID string }

type cmdHeartbeat struct{ connectionID string }

type cmdAction struct {
	connectionID string
	action       string
}

type cmdSubmit struct {
	connectionID string
	entityID     string
	baseVersion  int64
	op           Operation
	reply        chan SubmitResult
}

type resolveReply struct {
	conflict CollaborationConflict
	err      error
}

type cmdResolve struct {
	conflictID string
	decision   Decision
	resolvedBy string
	reply      chan resolveReply
}

type cmdSnapshot struct{ reply chan PresenceSnapshot }

type cmdStats struct{ reply chan RoomStats }

type cmdSweep struct{ done chan struct{} }

type sinkRecord struct {
	entityID string
	version  int64
	op       Operation
	at       time.Time
}

// Room is the isolated per-document execution unit. All state mutation runs
// on a single goroutine draining the inbox, so presence updates, applies and
// resolutions for one document are strictly serialized. Rooms never share
// mutable state with each other.
type Room struct {
	documentID string
	opts       Options

	inbox    chan any
	done     chan struct{}
	closing  sync.Once
	stopped  chan struct{}
	records  chan sinkRecord

	roster     *roster
	versions   *versionStore
	ledger     *ledger
	caster     *caster
	emptySince time.Time

	// counts as of the last presence broadcast, so sweeps can detect
	// liveness transitions that happened without any command traffic.
	lastOnline int
	lastTotal  int

	onDispose func(*Room)
}

func NewRoom(documentID string, opts Options, onDispose func(*Room)) *Room {
	opts = opts.withDefaults()
	return &Room{
		documentID: documentID,
		opts:       opts,
		inbox:      make(chan any, opts.InboxDepth),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		records:    make(chan sinkRecord, 128),
		roster:     newRoster(opts.Liveness, opts.OfflineRetention),
		versions:   newVersionStore(),
		ledger:     newLedger(opts.Classifier),
		caster:     newCaster(opts.RingDepth, opts.RingWindow),
		onDispose:  onDispose,
	}
}

func (r *Room) DocumentID() string { return r.documentID }

// Seed installs persisted entity versions before the room starts serving.
func (r *Room) Seed(entities []VersionedEntity) {
	for _, e := range entities {
		r.versions.seed(e.EntityID, e.Version, e.LastOperation, e.UpdatedAt)
	}
}

// Start launches the room actor and its sink writer.
func (r *Room) Start() {
	go r.run()
	if r.opts.Sink != nil {
		go r.drainRecords()
	}
}

// Stop disposes the room immediately, closing all subscriber streams.
func (r *Room) Stop() {
	r.closing.Do(func() { close(r.done) })
	<-r.stopped
}

func (r *Room) run() {
	ticker := time.NewTicker(r.opts.SweepEvery)
	defer ticker.Stop()
	defer close(r.stopped)
	defer r.caster.closeAll()
	defer close(r.records)
	defer r.failPending()
	for {
		select {
		case <-r.done:
			return
		case c := <-r.inbox:
			r.dispatch(c)
		case <-ticker.C:
			if r.sweep() {
				return
			}
		}
	}
}

func (r *Room) dispatch(c any) {
	switch c := c.(type) {
	case cmdJoin:
		c.reply <- r.handleJoin(c.p, c.sub, c.since)
	case cmdLeave:
		r.handleLeave(c.connectionID)
	case cmdDetach:
		r.caster.unsubscribe(c.connectionID)
	case cmdHeartbeat:
		r.handleHeartbeat(c.connectionID)
	case cmdAction:
		r.handleAction(c.connectionID, c.action)
	case cmdSubmit:
		c.reply <- r.handleSubmit(c.connectionID, c.entityID, c.baseVersion, c.op)
	case cmdResolve:
		conflict, err := r.handleResolve(c.conflictID, c.decision, c.resolvedBy)
		c.reply <- resolveReply{conflict: conflict, err: err}
	case cmdSnapshot:
		c.reply <- r.roster.snapshot(r.opts.Now())
	case cmdStats:
		c.reply <- r.stats()
	case cmdSweep:
		r.sweep()
		close(c.done)
	}
}

// failPending answers every command still queued when the actor exits.
// Closing a reply channel tells its caller the room is gone; the sweep done
// channels are closed so waiters do not hang. Leaving the inbox unread
// would strand callers forever.
func (r *Room) failPending() {
	for {
		select {
		case c := <-r.inbox:
			switch c := c.(type) {
			case cmdJoin:
				close(c.reply)
			case cmdSubmit:
				close(c.reply)
			case cmdResolve:
				close(c.reply)
			case cmdSnapshot:
				close(c.reply)
			case cmdStats:
				close(c.reply)
			case cmdSweep:
				close(c.done)
			}
		default:
			return
		}
	}
}

// awaitReply blocks until the actor answers or the room shuts down. A
// closed reply channel means the shutdown drain rejected the command. The
// stopped branch covers a command that slipped into the inbox after the
// drain finished.
func awaitReply[T any](r *Room, reply chan T) (T, error) {
	var zero T
	select {
	case res, ok := <-reply:
		if !ok {
			return zero, ErrRoomClosed
		}
		return res, nil
	case <-r.stopped:
		select {
		case res, ok := <-reply:
			if ok {
				return res, nil
			}
		default:
		}
		return zero, ErrRoomClosed
	}
}

func (r *Room) enqueue(c any) error {
	select {
	case <-r.done:
		return ErrRoomClosed
	default:
	}
	select {
	case r.inbox <- c:
		return nil
	case <-r.done:
		return ErrRoomClosed
	default:
		return ErrQueueFull
	}
}

// Join registers a connection's presence and subscribes it to the room
// stream. since is the last seq the client saw, zero for a first join.
func (r *Room) Join(p PresenceIndicator, sub *Subscriber, since uint64) (JoinResult, error) {
	reply := make(chan JoinResult, 1)
	if err := r.enqueue(cmdJoin{p: p, sub: sub, since: since, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	return awaitReply(r, reply)
}

func (r *Room) Leave(connectionID string) error {
	return r.enqueue(cmdLeave{connectionID: connectionID})
}

// Detach drops the subscription for a broken socket. The presence entry
// stays and times out into the offline partition.
func (r *Room) Detach(connectionID string) error {
	return r.enqueue(cmdDetach{connectionID: connectionID})
}

func (r *Room) Heartbeat(connectionID string) error {
	return r.enqueue(cmdHeartbeat{connectionID: connectionID})
}

func (r *Room) SetAction(connectionID, action string) error {
	return r.enqueue(cmdAction{connectionID: connectionID, action: action})
}

func (r *Room) SubmitOperation(connectionID, entityID string, baseVersion int64, op Operation) (SubmitResult, error) {
	if err := op.Validate(); err != nil {
		return SubmitResult{}, err
	}
	reply := make(chan SubmitResult, 1)
	if err := r.enqueue(cmdSubmit{connectionID: connectionID, entityID: entityID, baseVersion: baseVersion, op: op, reply: reply}); err != nil {
		return SubmitResult{}, err
	}
	return awaitReply(r, reply)
}

func (r *Room) Resolve(conflictID string, decision Decision, resolvedBy string) (CollaborationConflict, error) {
	if !decision.Terminal() {
		return CollaborationConflict{}, ErrInvalidDecision
	}
	reply := make(chan resolveReply, 1)
	if err := r.enqueue(cmdResolve{conflictID: conflictID, decision: decision, resolvedBy: resolvedBy, reply: reply}); err != nil {
		return CollaborationConflict{}, err
	}
	res, err := awaitReply(r, reply)
	if err != nil {
		return CollaborationConflict{}, err
	}
	return res.conflict, res.err
}

func (r *Room) Snapshot() (PresenceSnapshot, error) {
	reply := make(chan PresenceSnapshot, 1)
	if err := r.enqueue(cmdSnapshot{reply: reply}); err != nil {
		return PresenceSnapshot{}, err
	}
	return awaitReply(r, reply)
}

func (r *Room) Stats() (RoomStats, error) {
	reply := make(chan RoomStats, 1)
	if err := r.enqueue(cmdStats{reply: reply}); err != nil {
		return RoomStats{}, err
	}
	return awaitReply(r, reply)
}

// ---- actor-side handlers (single-threaded) ----

func (r *Room) handleJoin(p PresenceIndicator, sub *Subscriber, since uint64) JoinResult {
	now := r.opts.Now()
	self := r.roster.join(p, now)
	r.emptySince = time.Time{}
	r.caster.subscribe(sub)

	result := JoinResult{Self: self, CurrentSeq: r.caster.lastSeq()}
	if since > 0 {
		if events, ok := r.caster.backfill(since, now); ok {
			result.Backfill = events
		} else {
			snap := r.roster.snapshot(now)
			result.Snapshot = &snap
			result.Pending = r.ledger.pending()
		}
	} else {
		snap := r.roster.snapshot(now)
		result.Snapshot = &snap
		result.Pending = r.ledger.pending()
	}
	r.publishPresence(now)
	return result
}

func (r *Room) handleLeave(connectionID string) {
	now := r.opts.Now()
	r.caster.unsubscribe(connectionID)
	if r.roster.leave(connectionID) {
		r.publishPresence(now)
	}
	r.markEmpty(now)
}

func (r *Room) handleHeartbeat(connectionID string) {
	now := r.opts.Now()
	wasOnline, _ := r.roster.counts(now)
	if r.roster.heartbeat(connectionID, now) {
		nowOnline, _ := r.roster.counts(now)
		// A heartbeat that revives an offline entry is a visible change.
		if nowOnline != wasOnline {
			r.publishPresence(now)
		}
	}
}

func (r *Room) handleAction(connectionID, action string) {
	now := r.opts.Now()
	if r.roster.setAction(connectionID, action, now) {
		r.publishPresence(now)
	}
}

// handleSubmit is the tryApply path: the serialized version gate plus
// conflict detection. A stale base version is not an error; it becomes a
// pending conflict broadcast to the room.
func (r *Room) handleSubmit(connectionID, entityID string, baseVersion int64, op Operation) SubmitResult {
	now := r.opts.Now()
	r.roster.heartbeat(connectionID, now)

	if r.ledger.hasOpen(entityID) {
		// One open conflict per entity: later submissions wait their turn
		// and re-evaluate once the conflict resolves.
		r.ledger.enqueue(queuedOp{
			ConnectionID: connectionID,
			EntityID:     entityID,
			BaseVersion:  baseVersion,
			Op:           op,
		})
		return SubmitResult{Queued: true}
	}

	current := r.versions.current(entityID)
	if baseVersion != current {
		local := r.versions.lastOperation(entityID)
		conflict := r.ledger.detect(entityID, baseVersion, local, op, now)
		r.publish(Event{Type: EventConflictNotify, Conflict: conflict.copyOf()}, now)
		return SubmitResult{Conflict: conflict.copyOf()}
	}

	newVersion := r.apply(entityID, op, now)
	return SubmitResult{Applied: true, NewVersion: newVersion}
}

func (r *Room) handleResolve(conflictID string, decision Decision, resolvedBy string) (CollaborationConflict, error) {
	now := r.opts.Now()
	conflict, ok := r.ledger.get(conflictID)
	if !ok {
		return CollaborationConflict{}, ErrUnknownConflict
	}
	if conflict.Status.Terminal() {
		// Idempotent: a retried resolve returns the stored outcome without
		// re-executing side effects.
		return *conflict, nil
	}

	switch decision {
	case ConflictAccepted:
		r.apply(conflict.EntityID, conflict.RemoteOperation, now)
	case ConflictRejected:
		// Canonical state already reflects the local operation; nothing
		// applies and the version does not move.
	case ConflictMerged:
		merged, err := r.opts.Merge.Merge(conflict.EntityType, conflict.LocalOperation, conflict.RemoteOperation)
		if err != nil {
			return CollaborationConflict{}, err
		}
		r.apply(conflict.EntityID, merged, now)
	}

	released := r.ledger.close(conflict, decision, resolvedBy, now)
	r.publish(Event{Type: EventConflictResolved, Conflict: conflict.copyOf()}, now)

	// Re-evaluate operations held behind the conflict, in arrival order.
	// The first one that is stale re-opens a conflict and the rest queue
	// behind it again; outcomes reach the submitters via the room stream.
	for _, q := range released {
		r.handleSubmit(q.ConnectionID, q.EntityID, q.BaseVersion, q.Op)
	}
	return *conflict, nil
}

// apply commits an operation, broadcasts operation-applied, and forwards the
// new version to the sink writer.
func (r *Room) apply(entityID string, op Operation, now time.Time) int64 {
	newVersion := r.versions.apply(entityID, op, now)
	r.publish(Event{Type: EventOperationApplied, Applied: &OperationApplied{
		EntityID:   entityID,
		NewVersion: newVersion,
	}}, now)
	if r.opts.Sink != nil {
		select {
		case r.records <- sinkRecord{entityID: entityID, version: newVersion, op: op, at: now}:
		default:
			log.Printf("collab: room %s dropping version record for %s (sink backlog)", r.documentID, entityID)
		}
	}
	return newVersion
}

func (r *Room) publishPresence(now time.Time) {
	snap := r.roster.snapshot(now)
	r.lastOnline = len(snap.Online)
	r.lastTotal = len(snap.Online) + len(snap.Offline)
	r.publish(Event{Type: EventPresence, Presence: &snap}, now)
	r.markEmpty(now)
}

func (r *Room) publish(e Event, now time.Time) {
	stamped := r.caster.publish(e, now)
	if r.opts.Exporter != nil {
		r.opts.Exporter.Export(r.documentID, stamped)
	}
}

func (r *Room) markEmpty(now time.Time) {
	if r.roster.empty() {
		if r.emptySince.IsZero() {
			r.emptySince = now
		}
	} else {
		r.emptySince = time.Time{}
	}
}

// sweep runs the periodic maintenance pass: presence reclassification,
// offline retention purge, conflict auto-reject, and empty-room disposal.
// It reports true when the room disposed itself.
func (r *Room) sweep() bool {
	now := r.opts.Now()
	purged := r.roster.sweep(now)
	online, offline := r.roster.counts(now)
	if purged || online != r.lastOnline || online+offline != r.lastTotal {
		r.publishPresence(now)
	}

	for _, c := range r.ledger.expired(now, r.opts.AutoReject) {
		if _, err := r.handleResolve(c.ID, ConflictRejected, "system:auto-reject"); err != nil {
			log.Printf("collab: room %s auto-reject %s failed: %v", r.documentID, c.ID, err)
		}
	}

	r.markEmpty(now)
	if !r.emptySince.IsZero() && now.Sub(r.emptySince) >= r.opts.Grace {
		log.Printf("collab: room %s empty for %s, disposing", r.documentID, r.opts.Grace)
		// Stop accepting commands before the dispose callback runs; a
		// command enqueued mid-disposal would never be dispatched.
		r.closing.Do(func() { close(r.done) })
		if r.onDispose != nil {
			r.onDispose(r)
		}
		return true
	}
	return false
}

func (r *Room) stats() RoomStats {
	now := r.opts.Now()
	online, offline := r.roster.counts(now)
	return RoomStats{
		DocumentID:   r.documentID,
		Online:       online,
		Offline:      offline,
		OpenConflict: len(r.ledger.open),
		LastSeq:      r.caster.lastSeq(),
	}
}

func (r *Room) drainRecords() {
	for rec := range r.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.opts.Sink.Record(ctx, r.documentID, rec.entityID, rec.version, rec.op, rec.at); err != nil {
			log.Printf("collab: room %s version record failed: %v", r.documentID, err)
		}
		cancel()
	}
}

func (c *CollaborationConflict) copyOf() *CollaborationConflict {
	dup := *c
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		dup.ResolvedAt = &at
	}
	return &dup
}
