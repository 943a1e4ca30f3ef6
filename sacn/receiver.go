package sacn

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dsmurfin/sacnkit/packet"
)

//MergedData is one merged frame for a universe: the per-slot winning
//levels, the winning source per slot (uuid.Nil where the slot is
//unsourced) and the sources contributing to the merge.
type MergedData struct {
	Universe      uint16
	Levels        [packet.SlotCount]byte
	Winners       [packet.SlotCount]uuid.UUID
	ActiveSources []uuid.UUID
}

//ReceiverDelegate receives merged frames and lifecycle events. Calls
//arrive on the receiver's callback executor; MergedData calls are totally
//ordered per receiver.
type ReceiverDelegate interface {
	MergedData(data MergedData)
	SamplingStarted(universe uint16)
	SamplingEnded(universe uint16)
	SourcesLost(universe uint16, cids []uuid.UUID)
	SourceLimitExceeded(universe uint16)
	SocketClosed(universe uint16, iface string, err error)
}

//ReceiverConfig configures a Receiver. Semantics of the shared fields
//match RawReceiverConfig.
type ReceiverConfig struct {
	Universe      uint16
	IPMode        IPMode
	Interfaces    []string
	SourceLimit   int
	FilterPreview *bool
	Delegate      ReceiverDelegate
	Executor      Executor
	Clock         Clock
	Sockets       SocketFactory
	Logger        logrus.FieldLogger
}

//Receiver merges every source transmitting on one universe into a single
//frame. Sources inside their sampling window accumulate in a separate
//merger and migrate into the live merge when sampling ends, so a receiver
//coming up mid-show does not flash partial data.
type Receiver struct {
	raw *RawReceiver

	delegate ReceiverDelegate

	samplingMerger *merger
	liveMerger     *merger
	//samplingSources routes later packets of a source to the merger it
	//was adopted into
	samplingSources map[uuid.UUID]bool
	//pending sources announced themselves with PAP before any levels;
	//merged frames hold off until their levels arrive
	pending map[uuid.UUID]bool

	samplingActive bool
}

//NewReceiver creates a merging Receiver for one universe.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	r := &Receiver{
		delegate:        cfg.Delegate,
		samplingMerger:  newMerger(),
		liveMerger:      newMerger(),
		samplingSources: make(map[uuid.UUID]bool),
		pending:         make(map[uuid.UUID]bool),
	}
	raw, err := NewRawReceiver(RawReceiverConfig{
		Universe:      cfg.Universe,
		IPMode:        cfg.IPMode,
		Interfaces:    cfg.Interfaces,
		SourceLimit:   cfg.SourceLimit,
		FilterPreview: cfg.FilterPreview,
		Executor:      cfg.Executor,
		Clock:         cfg.Clock,
		Sockets:       cfg.Sockets,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.raw = raw
	raw.handler = r
	return r, nil
}

//SetDelegate replaces the delegate. Pass nil to unsubscribe.
func (r *Receiver) SetDelegate(d ReceiverDelegate) {
	r.raw.mu.Lock()
	r.delegate = d
	r.raw.mu.Unlock()
}

//Universe returns the universe this receiver listens on.
func (r *Receiver) Universe() uint16 {
	return r.raw.Universe()
}

//Start begins receiving and merging.
func (r *Receiver) Start() error {
	r.raw.mu.Lock()
	r.samplingMerger = newMerger()
	r.liveMerger = newMerger()
	r.samplingSources = make(map[uuid.UUID]bool)
	r.pending = make(map[uuid.UUID]bool)
	r.samplingActive = false
	r.raw.mu.Unlock()
	return r.raw.Start()
}

//Stop halts receiving. Merged state is discarded on the next Start.
func (r *Receiver) Stop() error {
	return r.raw.Stop()
}

//UpdateInterfaces diffs the interface set, see RawReceiver.
func (r *Receiver) UpdateInterfaces(interfaces []string) error {
	return r.raw.UpdateInterfaces(interfaces)
}

//rawHandler implementation. All methods run with the raw receiver's lock
//held, which makes each Receiver a single serialized state machine.

func (r *Receiver) handleUniverseData(data *SourceData) {
	m := r.mergerFor(data.CID, data.Sampling)
	switch data.StartCode {
	case packet.StartCodeLevels:
		m.updateUniversePriority(data.CID, data.UniversePriority)
		m.updateLevels(data.CID, data.Values)
		delete(r.pending, data.CID)
	case packet.StartCodePriority:
		if m.source(data.CID) == nil {
			//a source leading with PAP has no levels yet; hold merged
			//frames until they arrive
			r.pending[data.CID] = true
		}
		m.updatePAP(data.CID, data.Values)
	}
	r.notifyMergedLocked()
}

func (r *Receiver) handlePAPLost(cid uuid.UUID) {
	r.mergerOf(cid).removePAP(cid)
	r.notifyMergedLocked()
}

func (r *Receiver) handleSourcesLost(cids []uuid.UUID) {
	for _, cid := range cids {
		r.samplingMerger.removeSource(cid)
		r.liveMerger.removeSource(cid)
		delete(r.samplingSources, cid)
		delete(r.pending, cid)
	}
	u := r.raw.universe
	r.postLocked(func(d ReceiverDelegate) { d.SourcesLost(u, cids) })
	r.notifyMergedLocked()
}

func (r *Receiver) handleSamplingStarted() {
	r.samplingActive = true
	u := r.raw.universe
	r.postLocked(func(d ReceiverDelegate) { d.SamplingStarted(u) })
}

//handleSamplingEnded migrates every source that accumulated during the
//sampling window into the live merger in one step, then resumes merged
//notifications.
func (r *Receiver) handleSamplingEnded() {
	for _, cid := range r.samplingMerger.sourceIDs() {
		src := r.samplingMerger.source(cid)
		live := r.liveMerger.addSource(cid)
		live.levels = src.levels
		live.levelCount = src.levelCount
		live.universePriority = src.universePriority
		live.addressPriorities = src.addressPriorities
		live.papCount = src.papCount
		live.usingUniversePriority = src.usingUniversePriority
		live.universePriorityUninitialized = src.universePriorityUninitialized
		for i := 0; i < packet.SlotCount; i++ {
			r.liveMerger.mergeSlot(cid, live, i)
		}
		r.samplingMerger.removeSource(cid)
		delete(r.samplingSources, cid)
	}
	r.samplingActive = false
	u := r.raw.universe
	r.postLocked(func(d ReceiverDelegate) { d.SamplingEnded(u) })
	r.notifyMergedLocked()
}

func (r *Receiver) handleLimitExceeded() {
	u := r.raw.universe
	r.postLocked(func(d ReceiverDelegate) { d.SourceLimitExceeded(u) })
}

func (r *Receiver) handleSocketClosed(iface string, err error) {
	u := r.raw.universe
	r.postLocked(func(d ReceiverDelegate) { d.SocketClosed(u, iface, err) })
}

//mergerFor picks the merger for an incoming datum and records the routing
//for the source.
func (r *Receiver) mergerFor(cid uuid.UUID, sampling bool) *merger {
	if prev, ok := r.samplingSources[cid]; ok {
		sampling = prev
	} else {
		r.samplingSources[cid] = sampling
	}
	if sampling {
		return r.samplingMerger
	}
	return r.liveMerger
}

//mergerOf returns the merger a known source lives in.
func (r *Receiver) mergerOf(cid uuid.UUID) *merger {
	if r.samplingSources[cid] {
		return r.samplingMerger
	}
	return r.liveMerger
}

//notifyMergedLocked snapshots and posts a merged frame. Frames are held
//back while sampling runs, while any source is pending on its first
//levels, and while no source is live at all.
func (r *Receiver) notifyMergedLocked() {
	if r.samplingActive || len(r.pending) > 0 || !r.liveMerger.hasSources() {
		return
	}
	data := MergedData{
		Universe:      r.raw.universe,
		Levels:        r.liveMerger.levels,
		Winners:       r.liveMerger.winnerIDs,
		ActiveSources: r.liveMerger.sourceIDs(),
	}
	r.postLocked(func(d ReceiverDelegate) { d.MergedData(data) })
}

func (r *Receiver) postLocked(call func(d ReceiverDelegate)) {
	d := r.delegate
	if d == nil {
		return
	}
	r.raw.queue.Post(func() { call(d) })
}
