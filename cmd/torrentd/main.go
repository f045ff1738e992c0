// Command torrentd downloads a single torrent or magnet link to a local
// directory, driving the engine's lifecycle controller to completion.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/config"
	"github.com/gobit/torrentcore/internal/dht"
	"github.com/gobit/torrentcore/internal/metainfo"
	"github.com/gobit/torrentcore/internal/obs"
	"github.com/gobit/torrentcore/internal/torrentengine"
)

var (
	app = kingpin.New("torrentd", "Download a torrent or magnet link.")

	input = app.Arg("target", "path to a .torrent file, or a magnet: link").Required().String()

	outDir = app.Flag("output", "destination directory").Short('o').Default(".").String()

	configPath = app.Flag("config", "path to a YAML engine config file").Short('c').String()

	noDHT = app.Flag("no-dht", "disable DHT peer discovery").Bool()

	logLevel = app.Flag("log-level", "log level (debug, info, warn, error)").Default("info").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		app.Fatalf("%v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := obs.NewLogger(cfg.Log)
	if err != nil {
		app.Fatalf("starting logger: %v", err)
	}
	defer log.Sync()

	var selfID [20]byte
	if cfg.PeerID != "" {
		if len(cfg.PeerID) != len(selfID) {
			log.Fatalw("configured peer_id must be 20 bytes", "length", len(cfg.PeerID))
		}
		copy(selfID[:], cfg.PeerID)
	} else if selfID, err = torrentengine.NewPeerID(); err != nil {
		log.Fatalw("generating peer id", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutting down")
		cancel()
	}()
	defer cancel()

	var dhtNode *dht.DHTNode
	if cfg.DHT.Enabled && !*noDHT {
		dhtNode, err = dht.NewDHTNode(dht.NodeID(selfID), log)
		if err != nil {
			log.Fatalw("starting dht node", "error", err)
		}
		if cfg.DHT.StateFile != "" {
			dhtNode.UseStateFile(cfg.DHT.StateFile)
		}
		go func() {
			if err := dhtNode.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				log.Errorw("dht listener stopped", "error", err)
			}
		}()
		dhtNode.Bootstrap(ctx, cfg.DHT.BootstrapNodes)
		defer dhtNode.Close()
	}

	ctrl, err := newController(*input, *outDir, selfID, cfg, dhtNode, log)
	if err != nil {
		log.Fatalw("starting download", "target", *input, "error", err)
	}
	defer ctrl.Close()

	go ctrl.Run(ctx)

	progressTicker := time.NewTicker(5 * time.Second)
	defer progressTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-progressTicker.C:
				log.Infow("progress",
					"status", ctrl.Status().String(),
					"percent", int(ctrl.Progress()*100),
					"peers", ctrl.PeerCount(),
				)
			}
		}
	}()

	if err := ctrl.WaitForCompletion(ctx); err != nil {
		log.Fatalw("download did not complete", "error", err)
	}
	log.Infow("download complete", "target", *input)
}

func loadConfig(path string) (config.EngineConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newController parses target (a .torrent path or magnet link) and starts
// the matching controller variant.
func newController(target, outDir string, selfID [20]byte, cfg config.EngineConfig, dhtNode *dht.DHTNode, log *zap.SugaredLogger) (*torrentengine.Controller, error) {
	if strings.HasPrefix(target, "magnet:") {
		m, err := metainfo.ParseMagnet(target)
		if err != nil {
			return nil, err
		}
		return torrentengine.NewFromMagnet(m, outDir, selfID, cfg, dhtNode, log), nil
	}
	raw, err := os.ReadFile(target)
	if err != nil {
		return nil, err
	}
	info, err := metainfo.ParseTorrentFile(raw)
	if err != nil {
		return nil, err
	}
	return torrentengine.NewFromTorrentInfo(info, outDir, selfID, cfg, dhtNode, log)
}
