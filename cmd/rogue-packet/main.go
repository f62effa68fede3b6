// Command rogue-packet downloads and seeds a single torrent.
package main

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/log"
	"github.com/mitchellh/go-homedir"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"

	"github.com/fabioibanez/Rogue-Packet/internal/announcer"
	"github.com/fabioibanez/Rogue-Packet/internal/bitfield"
	"github.com/fabioibanez/Rogue-Packet/internal/filesection"
	"github.com/fabioibanez/Rogue-Packet/internal/logger"
	"github.com/fabioibanez/Rogue-Packet/internal/metainfo"
	"github.com/fabioibanez/Rogue-Packet/internal/piece"
	"github.com/fabioibanez/Rogue-Packet/internal/storage/filestorage"
	"github.com/fabioibanez/Rogue-Packet/internal/swarm"
	"github.com/fabioibanez/Rogue-Packet/internal/tracker/httptracker"
)

// Version of the client. Set during build.
var Version = "0.0.0"

const peerIDPrefix = "-RP0001-"

var (
	app = cli.NewApp()
	cfg = swarm.DefaultConfig
	l   = logger.New("main")
)

func main() {
	app.Name = "rogue-packet"
	app.Usage = "BitTorrent client for a single torrent"
	app.Version = Version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "read configuration from `FILE`",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:      "download",
			Usage:     "download and seed a torrent",
			ArgsUsage: "<torrent file>",
			Action:    handleDownload,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "dest",
					Usage: "save files under `DIR`",
					Value: ".",
				},
				cli.IntFlag{
					Name:  "port, p",
					Usage: "listen for incoming peer connections on `PORT`",
				},
				cli.BoolFlag{
					Name:  "seed",
					Usage: "continue seeding after the download completes",
				},
				cli.BoolFlag{
					Name:  "no-progress",
					Usage: "do not draw a progress bar",
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		l.Fatal(err)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logger.SetLevel(log.DEBUG)
	} else {
		logger.SetLevel(log.INFO)
	}
	configPath := c.GlobalString("config")
	if configPath == "" {
		return nil
	}
	configPath, err := homedir.Expand(configPath)
	if err != nil {
		return err
	}
	b, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	if err = yaml.Unmarshal(b, &cfg); err != nil {
		return err
	}
	l.Infoln("loaded config from:", configPath)
	return nil
}

func handleDownload(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return cli.NewExitError("first argument must be a torrent file", 1)
	}
	if port := c.Int("port"); port != 0 {
		cfg.Port = port
	}

	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return err
	}
	mi, err := metainfo.New(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	l.Infof("downloading %q (%d pieces)", mi.Info.Name, mi.Info.NumPieces)

	sto, err := filestorage.New(c.String("dest"))
	if err != nil {
		return err
	}
	files, err := openFiles(sto, mi.Info)
	if err != nil {
		return err
	}
	pieces := piece.NewPieces(mi.Info, files)

	peerID, err := generatePeerID()
	if err != nil {
		return err
	}
	s, err := swarm.New(cfg, mi.Info, pieces, bitfield.New(mi.Info.NumPieces), peerID, logger.New("swarm"))
	if err != nil {
		return err
	}
	go s.Run()
	defer s.Close()

	completedC := make(chan struct{})
	announcers := startAnnouncers(mi, s, peerID, completedC)
	defer func() {
		for _, an := range announcers {
			an.Close()
		}
	}()
	if len(announcers) == 0 {
		l.Warning("torrent has no usable trackers, waiting for incoming peers")
	}

	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, syscall.SIGINT, syscall.SIGTERM)

	var bar *progressbar.ProgressBar
	if !c.Bool("no-progress") {
		bar = newProgressBar(mi.Info)
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	finished := s.Finished()
	for {
		select {
		case <-ticker.C:
			if bar != nil {
				stats := s.Stats()
				_ = bar.Set64(int64(mi.Info.TotalLength) - stats.BytesLeft)
			}
		case <-finished:
			finished = nil
			if bar != nil {
				_ = bar.Finish()
				fmt.Println()
			}
			// Let the trackers know, then keep seeding if asked to.
			// Closing reaches every announcer; each announces "completed" once.
			close(completedC)
			if !c.Bool("seed") {
				l.Infoln("download complete")
				return nil
			}
			l.Infoln("download complete, seeding... press Ctrl-C to stop")
		case sig := <-signalC:
			l.Noticef("received %v, shutting down", sig)
			return nil
		}
	}
}

func openFiles(sto *filestorage.FileStorage, info *metainfo.Info) ([]filesection.ReadWriterAt, error) {
	fileList := info.GetFiles()
	files := make([]filesection.ReadWriterAt, 0, len(fileList))
	for _, fd := range fileList {
		name := fd.Path[0]
		for _, p := range fd.Path[1:] {
			name += string(os.PathSeparator) + p
		}
		f, _, err := sto.Open(name, fd.Length)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func startAnnouncers(mi *metainfo.MetaInfo, s *swarm.Swarm, peerID [20]byte, completedC chan struct{}) []*announcer.PeriodicalAnnouncer {
	var announcers []*announcer.PeriodicalAnnouncer
	for _, u := range mi.AnnounceURLs() {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			l.Noticef("skipping unsupported tracker scheme: %s", u)
			continue
		}
		trk := httptracker.New(u, cfg.TrackerHTTPTimeout)
		an := announcer.New(
			trk,
			mi.Info.Hash,
			peerID,
			s.Port(),
			cfg.TrackerNumWant,
			cfg.MinAnnounceInterval,
			s.AnnouncerStats,
			s.NewPeers(),
			completedC,
			logger.New("announcer "+u),
		)
		go an.Run()
		announcers = append(announcers, an)
	}
	return announcers
}

func newProgressBar(info *metainfo.Info) *progressbar.ProgressBar {
	return progressbar.NewOptions64(
		info.TotalLength,
		progressbar.OptionSetDescription(info.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(200*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, err := rand.Read(id[len(peerIDPrefix):])
	return id, err
}
