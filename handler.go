package peerslot

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strconv"

	"github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type (
	PeerResponse struct {
		Peer PeerID `json:"peer"`
	}
	ExistedResponse struct {
		Existed bool `json:"existed"`
	}
	SelectResponse struct {
		Peer *PeerID `json:"peer"`
	}
	CompactResponse struct {
		Reclaimed uint64 `json:"reclaimed"`
	}
	VerifyResponse struct {
		Consistent bool `json:"consistent"`
	}
	StatsResponse struct {
		Peers         int         `json:"peers"`
		Capacity      uint64      `json:"capacity"`
		Fragmentation uint64      `json:"fragmentation"`
		Memory        MemoryStats `json:"memory"`
	}
	MemoryStats struct {
		HeapAlloc uint64 `json:"heap_alloc"`
		HeapSys   uint64 `json:"heap_sys"`
		NumGC     uint32 `json:"num_gc"`
	}
	Error struct {
		Error string `json:"error"`
	}
)

func (p *Peerslot) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /peerslot/v0/peer/{peer_id}", p.addPeerHandler)
	mux.HandleFunc("DELETE /peerslot/v0/peer/{peer_id}", p.removePeerHandler)
	mux.HandleFunc("PUT /peerslot/v0/peer/{peer_id}", p.rescorePeerHandler)
	mux.HandleFunc("GET /peerslot/v0/select", p.selectHandler)
	mux.HandleFunc("POST /peerslot/v0/compact", p.compactHandler)
	mux.HandleFunc("GET /peerslot/v0/verify", p.verifyHandler)
	mux.HandleFunc("GET /peerslot/v0/stats", p.statsHandler)
	mux.HandleFunc("PUT /peerslot/v0/logging", p.loggingHandler)
	mux.HandleFunc("POST /peerslot/v0/echo", p.echoHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

func (p *Peerslot) addPeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := p.peerIDFromPath(w, r)
	if !ok {
		return
	}
	score, ok := p.scoreFromQuery(w, r)
	if !ok {
		return
	}

	p.mu.Lock()
	_, err := p.peers.AddPeer(id, score)
	p.metrics.observeSet(p.peers)
	p.mu.Unlock()

	if errors.Is(err, ErrPeerExists) {
		p.writeJson(w, http.StatusConflict, Error{
			Error: "peer already present",
		})
		return
	}
	if err != nil {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: err.Error(),
		})
		return
	}
	p.writeJson(w, http.StatusOK, PeerResponse{Peer: id})
}

func (p *Peerslot) removePeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := p.peerIDFromPath(w, r)
	if !ok {
		return
	}

	p.mu.Lock()
	existed := p.peers.RemovePeer(id)
	p.metrics.observeSet(p.peers)
	p.mu.Unlock()

	p.writeJson(w, http.StatusOK, ExistedResponse{Existed: existed})
}

func (p *Peerslot) rescorePeerHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := p.peerIDFromPath(w, r)
	if !ok {
		return
	}
	score, ok := p.scoreFromQuery(w, r)
	if !ok {
		return
	}

	p.mu.Lock()
	existed, err := p.peers.RescorePeer(id, score)
	p.metrics.observeSet(p.peers)
	p.mu.Unlock()

	if err != nil {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: err.Error(),
		})
		return
	}
	p.writeJson(w, http.StatusOK, ExistedResponse{Existed: existed})
}

func (p *Peerslot) selectHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	id, ok := p.peers.SelectPeer()
	p.mu.Unlock()
	p.metrics.observeSelect(ok)

	var response SelectResponse
	if ok {
		response.Peer = &id
	}
	p.writeJson(w, http.StatusOK, response)
}

func (p *Peerslot) compactHandler(w http.ResponseWriter, r *http.Request) {
	reclaimed := p.compact()
	p.writeJson(w, http.StatusOK, CompactResponse{Reclaimed: reclaimed})
}

func (p *Peerslot) verifyHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	consistent := p.peers.Verify()
	p.mu.Unlock()

	if !consistent {
		logger.Errorw("Peer set failed verification.")
	}
	p.writeJson(w, http.StatusOK, VerifyResponse{Consistent: consistent})
}

func (p *Peerslot) statsHandler(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	response := StatsResponse{
		Peers:         p.peers.Len(),
		Capacity:      p.peers.Capacity(),
		Fragmentation: p.peers.Fragmentation(),
	}
	p.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	response.Memory = MemoryStats{
		HeapAlloc: mem.HeapAlloc,
		HeapSys:   mem.HeapSys,
		NumGC:     mem.NumGC,
	}
	p.writeJson(w, http.StatusOK, response)
}

func (p *Peerslot) loggingHandler(w http.ResponseWriter, r *http.Request) {
	level := r.URL.Query().Get("level")
	if _, err := log.LevelFromString(level); err != nil {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: "invalid log level",
		})
		return
	}
	if err := log.SetLogLevel("peerslot", level); err != nil {
		logger.Errorw("Failed to set log level.", "level", level, "err", err)
		p.writeJson(w, http.StatusInternalServerError, Error{
			Error: "failed to set log level",
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// maxEchoBodyBytes caps how much an echo request may carry.
const maxEchoBodyBytes = 1 << 20

func (p *Peerslot) echoHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEchoBodyBytes))
	if err != nil || !json.Valid(body) {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: "body must be valid JSON of at most 1 MiB",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		logger.Errorw("Failed to echo body.", "err", err)
	}
}

func (p *Peerslot) peerIDFromPath(w http.ResponseWriter, r *http.Request) (PeerID, bool) {
	id, err := strconv.ParseUint(r.PathValue("peer_id"), 10, 32)
	if err != nil || PeerID(id) == NoPeer {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: "invalid peer ID",
		})
		return NoPeer, false
	}
	return PeerID(id), true
}

func (p *Peerslot) scoreFromQuery(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	score, err := strconv.ParseUint(r.URL.Query().Get("score"), 10, 64)
	if err != nil || score == 0 {
		p.writeJson(w, http.StatusBadRequest, Error{
			Error: "invalid score: must be a positive integer",
		})
		return 0, false
	}
	return score, true
}

func (p *Peerslot) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Failed to write JSON", "status", statusCode, "error", err)
	}
}
