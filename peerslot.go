package peerslot

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ipfs/go-log/v2"
)

var logger = log.Logger("peerslot")

// Peerslot owns a PeerSet and exposes it over an administrative HTTP API.
// The PeerSet itself is single-threaded; Peerslot is the serializing owner,
// holding its mutex across every call into the set.
type Peerslot struct {
	*options
	server  http.Server
	metrics *metrics

	mu    sync.Mutex
	peers *PeerSet

	stop chan struct{}
	done chan struct{} // non-nil once the compaction loop is running
}

func New(o ...Option) (*Peerslot, error) {
	var p Peerslot
	var err error
	if p.options, err = newOptions(o...); err != nil {
		return nil, err
	}
	p.peers = NewPeerSet(p.randSource)
	p.peers.SetSelectRetries(p.selectRetries)
	p.metrics = newMetrics()
	p.server = http.Server{
		Addr:    p.options.httpServerListenAddr,
		Handler: p.ServeMux(),
	}
	p.stop = make(chan struct{})
	return &p, nil
}

func (p *Peerslot) Start(context.Context) error {
	listen, err := net.Listen("tcp", p.httpServerListenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := p.server.Serve(listen); !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("Server stopped unexpectedly.", "err", err)
		} else {
			logger.Info("Server stopped.")
		}
	}()
	if p.compactInterval > 0 {
		p.done = make(chan struct{})
		go p.compactLoop()
	}
	return nil
}

func (p *Peerslot) compactLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.compactInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			reclaimed := p.compact()
			if reclaimed > 0 {
				logger.Infow("Compacted peer slots.", "reclaimed", reclaimed)
			}
		}
	}
}

func (p *Peerslot) compact() uint64 {
	p.mu.Lock()
	reclaimed := p.peers.Compact()
	p.metrics.observeCompaction(reclaimed)
	p.metrics.observeSet(p.peers)
	p.mu.Unlock()
	return reclaimed
}

func (p *Peerslot) Shutdown(ctx context.Context) error {
	close(p.stop)
	if p.done != nil {
		<-p.done
	}
	return p.server.Shutdown(ctx)
}
