package sacn

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

//ReceiverGroupConfig configures a ReceiverGroup: one Receiver per universe
//with uniform settings and a shared delegate.
type ReceiverGroupConfig struct {
	Universes     []uint16
	IPMode        IPMode
	Interfaces    []string
	SourceLimit   int
	FilterPreview *bool
	Delegate      ReceiverDelegate
	Clock         Clock
	Sockets       SocketFactory
	Logger        logrus.FieldLogger
}

//ReceiverGroup manages a set of per-universe Receivers with one
//configuration and one delegate. Universes can be added and removed while
//the group runs.
type ReceiverGroup struct {
	mu sync.Mutex

	cfg       ReceiverGroupConfig
	receivers map[uint16]*Receiver
	started   bool
}

//NewReceiverGroup creates a group covering the configured universes.
func NewReceiverGroup(cfg ReceiverGroupConfig) (*ReceiverGroup, error) {
	g := &ReceiverGroup{
		cfg:       cfg,
		receivers: make(map[uint16]*Receiver),
	}
	for _, u := range cfg.Universes {
		if _, ok := g.receivers[u]; ok {
			return nil, ErrUniverseExists
		}
		r, err := g.newReceiver(u)
		if err != nil {
			return nil, err
		}
		g.receivers[u] = r
	}
	return g, nil
}

func (g *ReceiverGroup) newReceiver(universe uint16) (*Receiver, error) {
	return NewReceiver(ReceiverConfig{
		Universe:      universe,
		IPMode:        g.cfg.IPMode,
		Interfaces:    g.cfg.Interfaces,
		SourceLimit:   g.cfg.SourceLimit,
		FilterPreview: g.cfg.FilterPreview,
		Delegate:      g.cfg.Delegate,
		Clock:         g.cfg.Clock,
		Sockets:       g.cfg.Sockets,
		Logger:        g.cfg.Logger,
	})
}

//Start starts every receiver in the group. On the first error the
//receivers already started are stopped again.
func (g *ReceiverGroup) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrReceiverStarted
	}
	var startedReceivers []*Receiver
	for _, r := range g.receivers {
		if err := r.Start(); err != nil {
			for _, s := range startedReceivers {
				s.Stop()
			}
			return err
		}
		startedReceivers = append(startedReceivers, r)
	}
	g.started = true
	return nil
}

//Stop stops every receiver in the group.
func (g *ReceiverGroup) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return ErrReceiverNotStarted
	}
	for _, r := range g.receivers {
		r.Stop()
	}
	g.started = false
	return nil
}

//AddUniverse adds a receiver for a universe, starting it if the group is
//running.
func (g *ReceiverGroup) AddUniverse(universe uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.receivers[universe]; ok {
		return ErrUniverseExists
	}
	r, err := g.newReceiver(universe)
	if err != nil {
		return err
	}
	if g.started {
		if err := r.Start(); err != nil {
			return err
		}
	}
	g.receivers[universe] = r
	return nil
}

//RemoveUniverse stops and removes the receiver for a universe.
func (g *ReceiverGroup) RemoveUniverse(universe uint16) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.receivers[universe]
	if !ok {
		return ErrUniverseNotFound
	}
	if g.started {
		r.Stop()
	}
	delete(g.receivers, universe)
	return nil
}

//Universes lists the universes covered by the group, sorted.
func (g *ReceiverGroup) Universes() []uint16 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uint16, 0, len(g.receivers))
	for u := range g.receivers {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

//UpdateInterfaces applies a new interface set to every receiver.
func (g *ReceiverGroup) UpdateInterfaces(interfaces []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.receivers {
		if err := r.UpdateInterfaces(interfaces); err != nil {
			return err
		}
	}
	g.cfg.Interfaces = append([]string(nil), interfaces...)
	return nil
}
