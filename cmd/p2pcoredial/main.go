// Command p2pcoredial is a small demo binary exercising the full stack:
// it either listens for or dials one peer, runs the noiselike handshake and
// yamux upgrade. The listener echoes back whatever it reads on every stream
// the other side opens; the dialer opens one stream, sends a line, and
// prints the echo.
//
// Flag and logging setup follow _examples/xtaci-kcptun/client/main.go's
// shape (urfave/cli App, pkg/errors-wrapped fatal errors), updated to the
// v2 cli API and zerolog in place of the teacher's bare log package.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"

	"github.com/nodelinkio/p2pcore/config"
	"github.com/nodelinkio/p2pcore/identity"
	"github.com/nodelinkio/p2pcore/noiselike"
	"github.com/nodelinkio/p2pcore/transport"
	"github.com/nodelinkio/p2pcore/upgrade"
	"github.com/nodelinkio/p2pcore/yamux"
)

var log zerolog.Logger

func main() {
	log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "p2pcoredial",
		Usage: "demo dialer/listener for the secured, multiplexed transport",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a YAML config file"},
			&cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "address to listen on, e.g. 127.0.0.1:4001"},
			&cli.StringFlag{Name: "dial", Aliases: []string{"d"}, Usage: "address to dial instead of listening"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn, error"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("p2pcoredial: exiting")
	}
}

func run(c *cli.Context) error {
	cfg := config.Default()
	if p := c.String("config"); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		cfg = loaded
	}
	if l := c.String("listen"); l != "" {
		cfg.Listen = l
	}
	if d := c.String("dial"); d != "" {
		cfg.Dial = d
	}

	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	log = log.Level(level)

	id, err := identity.GenerateKeyPair()
	if err != nil {
		return errors.Wrap(err, "generate identity")
	}
	log.Info().Str("peer_id", id.PeerID().String()).Msg("p2pcoredial: local identity")

	up := upgrade.New(upgrade.Config{
		SecurityProtocols: []upgrade.SecurityProtocol{noiselike.Protocol{Identity: id, MaxPlaintext: cfg.MaxPlaintext}},
		Muxers: []upgrade.MuxerFactory{{
			ID:     yamux.ID,
			Logger: log,
			Config: &yamux.Config{
				KeepaliveInterval:       cfg.Yamux.KeepaliveInterval,
				InitialStreamWindowSize: cfg.Yamux.InitialStreamWindowSize,
				MaxStreamWindowSize:     cfg.Yamux.MaxStreamWindowSize,
				StreamWriteTimeout:      cfg.Yamux.StreamWriteTimeout,
				MaxStreams:              cfg.Yamux.MaxStreams,
				MaxFrameSize:            cfg.Yamux.MaxFrameSize,
				AcceptBacklog:           cfg.Yamux.AcceptBacklog,
			},
		}},
		Resources: &upgrade.MemResourceManager{MaxConns: 1024},
		Logger:    log,
	})

	if cfg.Dial != "" {
		return dial(up, id, cfg.Dial)
	}
	return listen(up, cfg.Listen)
}

func dial(up *upgrade.Upgrader, id identity.KeyPair, addr string) error {
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	conn := transport.NewNetConn(raw, id.PeerID(), identity.PeerID{})

	upg, err := up.UpgradeOutbound(conn, identity.PeerID{})
	if err != nil {
		return errors.Wrap(err, "upgrade outbound")
	}
	defer upg.Release()
	sess := upg.Session
	log.Info().Str("remote_peer", sess.RemotePeer().String()).Msg("p2pcoredial: session established")

	stream, err := sess.OpenStream(context.Background())
	if err != nil {
		return errors.Wrap(err, "open stream")
	}
	return echoClient(stream)
}

func listen(up *upgrade.Upgrader, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	log.Info().Str("addr", addr).Msg("p2pcoredial: listening")
	for {
		raw, err := ln.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		go func() {
			if err := handleInbound(up, raw); err != nil {
				log.Warn().Err(err).Msg("p2pcoredial: inbound connection failed")
			}
		}()
	}
}

func handleInbound(up *upgrade.Upgrader, raw net.Conn) error {
	conn := transport.NewNetConn(raw, identity.PeerID{}, identity.PeerID{})
	upg, err := up.UpgradeInbound(conn)
	if err != nil {
		return errors.Wrap(err, "upgrade inbound")
	}
	defer upg.Release()
	sess := upg.Session
	defer sess.Close()

	for {
		stream, err := sess.AcceptStream(context.Background())
		if err != nil {
			return err
		}
		go echoServer(stream)
	}
}

type rw interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

func echoServer(s rw) {
	defer s.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			if _, werr := s.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func echoClient(s rw) error {
	defer s.Close()
	msg := []byte("ping\n")
	if _, err := s.Write(msg); err != nil {
		return err
	}
	buf := make([]byte, len(msg))
	n, err := s.Read(buf)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "echoed: %s", buf[:n])
	return nil
}
