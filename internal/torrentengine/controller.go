package torrentengine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/bitfield"
	"github.com/gobit/torrentcore/internal/config"
	"github.com/gobit/torrentcore/internal/dht"
	"github.com/gobit/torrentcore/internal/diskio"
	"github.com/gobit/torrentcore/internal/metadata"
	"github.com/gobit/torrentcore/internal/metainfo"
	"github.com/gobit/torrentcore/internal/piece"
	"github.com/gobit/torrentcore/internal/tracker"
)

// Status is a torrent's lifecycle state.
type Status int

const (
	StatusFetchingMetadata Status = iota
	StatusDownloading
	StatusSeeding
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusFetchingMetadata:
		return "fetching-metadata"
	case StatusDownloading:
		return "downloading"
	case StatusSeeding:
		return "seeding"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// NewPeerID generates a fresh 20-byte peer id with an Azureus-style
// "-xx0100-" client prefix followed by random bytes, per the teacher's
// clientID convention.
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-GB0100-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("torrentengine: generating peer id: %w", err)
	}
	return id, nil
}

// Controller owns one torrent's lifecycle: the tracker announce loop,
// DHT peer discovery, metadata-exchange bootstrap for magnet links, and
// the periodic choking/timeout ticks that drive the peer manager.
//
// Grounded on the teacher's client.go (Download) and tracker.go
// (PeerCollector), generalized from a one-shot batch download into a
// long-running controller with explicit status and wait-for-X
// semantics per spec.md §4.6.
type Controller struct {
	selfID [20]byte
	cfg    config.EngineConfig
	log    *zap.SugaredLogger

	manager *PeerManager
	dhtNode *dht.DHTNode

	trackerURLs []string
	outputDir   string

	mu     sync.Mutex
	status Status
	info   *metainfo.TorrentInfo
	writer *diskio.FileWriter

	metadataDone   chan struct{}
	completionDone chan struct{}
	closeOnce      sync.Once

	seen map[string]struct{} // addresses already fed to the manager
}

// NewFromTorrentInfo creates a controller for a torrent whose metadata
// is already known (a parsed .torrent file).
func NewFromTorrentInfo(info *metainfo.TorrentInfo, outputDir string, selfID [20]byte, cfg config.EngineConfig, dhtNode *dht.DHTNode, log *zap.SugaredLogger) (*Controller, error) {
	c := newController(info.InfoHash, selfID, cfg, dhtNode, log)
	c.trackerURLs = announceURLs(info)
	c.outputDir = outputDir
	if err := c.installContent(info); err != nil {
		return nil, err
	}
	c.status = StatusDownloading
	c.closeMetadataDone()
	return c, nil
}

// NewFromMagnet creates a controller for a torrent known only by a
// magnet URI: metadata is fetched from peers via BEP-9 before any piece
// data can be requested.
func NewFromMagnet(m *metainfo.Magnet, outputDir string, selfID [20]byte, cfg config.EngineConfig, dhtNode *dht.DHTNode, log *zap.SugaredLogger) *Controller {
	c := newController(m.InfoHash, selfID, cfg, dhtNode, log)
	c.trackerURLs = m.Trackers
	c.outputDir = outputDir
	c.manager.InstallMetadataExchange(metadata.NewExchange(m.InfoHash))
	for _, addr := range m.PeerAddresses {
		c.offerPeer(addr)
	}
	return c
}

func newController(infoHash [20]byte, selfID [20]byte, cfg config.EngineConfig, dhtNode *dht.DHTNode, log *zap.SugaredLogger) *Controller {
	mgrCfg := Config{
		MaxConnections:          cfg.MaxConnectionsPerTorrent,
		MaxPipelineDepth:        cfg.MaxPipelineDepth,
		RequestTimeout:          cfg.RequestTimeout,
		ChokeRoundInterval:      cfg.ChokeRoundInterval,
		OptimisticUnchokeRounds: cfg.OptimisticUnchokeRounds,
	}
	c := &Controller{
		selfID:         selfID,
		cfg:            cfg,
		log:            log,
		manager:        NewPeerManager(infoHash, selfID, mgrCfg, log),
		dhtNode:        dhtNode,
		status:         StatusFetchingMetadata,
		metadataDone:   make(chan struct{}),
		completionDone: make(chan struct{}),
		seen:           make(map[string]struct{}),
	}
	c.manager.OnMetadataReady(c.handleMetadataReady)
	c.manager.OnPieceFinished(c.handlePieceFinished)
	return c
}

func (c *Controller) installContent(info *metainfo.TorrentInfo) error {
	writer, err := diskio.NewFileWriter(info, c.outputDir)
	if err != nil {
		return fmt.Errorf("torrentengine: preparing content store: %w", err)
	}
	myHave := bitfield.New(info.PieceCount())
	picker := piece.NewPicker(info.PieceCount())
	assembler := piece.NewAssembler(info.PieceLength, info.TotalSize, info.Pieces)

	c.mu.Lock()
	c.info = info
	c.writer = writer
	c.mu.Unlock()

	c.manager.InstallContentStack(myHave, picker, assembler)
	return nil
}

// handleMetadataReady installs the piece stack once BEP-9 metadata
// exchange hands back a fully parsed TorrentInfo, the magnet-link
// equivalent of the content stack a .torrent-sourced controller gets
// at construction time.
func (c *Controller) handleMetadataReady(info *metainfo.TorrentInfo) {
	if err := c.installContent(info); err != nil {
		c.log.Errorw("installing content stack after metadata exchange", "error", err)
		return
	}
	c.mu.Lock()
	c.status = StatusDownloading
	c.mu.Unlock()
	c.closeMetadataDone()
}

func (c *Controller) closeMetadataDone() {
	c.closeOnce.Do(func() { close(c.metadataDone) })
}

func (c *Controller) handlePieceFinished(index int, data []byte) {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer != nil && data != nil {
		if err := writer.WritePiece(index, data); err != nil {
			c.log.Errorw("writing piece to disk", "index", index, "error", err)
		}
	}
	c.checkCompletion()
}

func (c *Controller) checkCompletion() {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info == nil {
		return
	}
	if !c.manager.assemblerComplete() {
		return
	}
	c.mu.Lock()
	already := c.status == StatusCompleted || c.status == StatusSeeding
	if !already {
		c.status = StatusCompleted
	}
	c.mu.Unlock()
	if !already {
		close(c.completionDone)
	}
}

// Status returns the controller's current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Progress returns the fraction of pieces verified, in [0, 1]. Zero
// before metadata is known.
func (c *Controller) Progress() float64 {
	return c.manager.progress()
}

// WaitForMetadata blocks until BEP-9 metadata exchange completes (or
// the controller was constructed with metadata already known), or ctx
// is done.
func (c *Controller) WaitForMetadata(ctx context.Context) error {
	select {
	case <-c.metadataDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForCompletion blocks until every piece has verified, or ctx is done.
func (c *Controller) WaitForCompletion(ctx context.Context) error {
	select {
	case <-c.completionDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PeerCount returns the number of currently connected peers.
func (c *Controller) PeerCount() int { return c.manager.Count() }

// Close releases the controller's open file handles. Run's background
// loops should be stopped (via context cancellation) before calling this.
func (c *Controller) Close() error {
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return nil
	}
	return writer.Close()
}

// offerPeer feeds a candidate address into the peer manager, deduping
// against addresses already offered.
func (c *Controller) offerPeer(addr string) {
	c.mu.Lock()
	if _, dup := c.seen[addr]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[addr] = struct{}{}
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.manager.AddPeer(ctx, addr); err != nil {
			c.log.Debugw("peer offer failed", "addr", addr, "error", err)
		}
	}()
}

// Run drives the controller's background loops — tracker announce, DHT
// peer discovery, choking and timeout sweeps — until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); c.trackerLoop(ctx) }()
	if c.dhtNode != nil {
		wg.Add(1)
		go func() { defer wg.Done(); c.dhtLoop(ctx) }()
	}
	wg.Add(1)
	go func() { defer wg.Done(); c.maintenanceLoop(ctx) }()
	wg.Wait()
}

func (c *Controller) maintenanceLoop(ctx context.Context) {
	chokeTicker := time.NewTicker(c.cfg.ChokeRoundInterval)
	defer chokeTicker.Stop()
	sweepTicker := time.NewTicker(5 * time.Second)
	defer sweepTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-chokeTicker.C:
			c.manager.ChokeRound(4)
		case <-sweepTicker.C:
			c.manager.TimeoutSweep()
		}
	}
}

func (c *Controller) trackerLoop(ctx context.Context) {
	if len(c.trackerURLs) == 0 {
		return
	}
	interval := c.cfg.TrackerAnnounceInterval
	for {
		for _, raw := range c.trackerURLs {
			addr, ok := udpTrackerAddress(raw)
			if !ok {
				continue
			}
			client := &tracker.Client{Address: addr, InfoHash: c.manager.infoHash, PeerID: c.selfID}
			left := c.bytesLeft()
			result, err := client.Announce(0, left, 0, tracker.EventNone, uint16(c.cfg.ListenPort))
			if err != nil {
				c.log.Debugw("tracker announce failed", "tracker", raw, "error", err)
				continue
			}
			for _, peerAddr := range result.Peers {
				c.offerPeer(peerAddr)
			}
			if result.Interval > 0 {
				interval = time.Duration(result.Interval) * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Controller) bytesLeft() int64 {
	c.mu.Lock()
	info := c.info
	c.mu.Unlock()
	if info == nil {
		return 1 // unknown size: report nonzero so trackers don't treat us as a seed
	}
	remaining := (1 - c.manager.progress()) * float64(info.TotalSize)
	return int64(remaining)
}

func (c *Controller) dhtLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	c.dhtGetPeers(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.dhtGetPeers(ctx)
		}
	}
}

func (c *Controller) dhtGetPeers(ctx context.Context) {
	result, err := c.dhtNode.GetPeers(ctx, c.manager.infoHash, true, c.cfg.ListenPort)
	if err != nil {
		c.log.Debugw("dht get_peers failed", "error", err)
		return
	}
	for _, addr := range result.Peers {
		c.offerPeer(addr.String())
	}
}

// announceURLs flattens a TorrentInfo's announce and announce-list
// fields into a single priority-ordered list of tracker URLs.
func announceURLs(info *metainfo.TorrentInfo) []string {
	var urls []string
	if info.Announce != "" {
		urls = append(urls, info.Announce)
	}
	for _, tier := range info.AnnounceList {
		urls = append(urls, tier...)
	}
	return urls
}

// udpTrackerAddress extracts the host:port of a udp:// tracker URL.
// Non-UDP trackers (http/https/wss) are not supported per spec.
func udpTrackerAddress(raw string) (string, bool) {
	if !strings.HasPrefix(raw, "udp://") {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Host, true
}
