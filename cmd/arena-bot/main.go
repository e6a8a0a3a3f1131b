// Command arena-bot joins an arena with a number of headless clients that
// wander around. It knows nothing about the arena's state types and prints
// the mirror it builds from the handshake.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/QYUbit/roomsync/pkg/client"
	"github.com/QYUbit/roomsync/pkg/schema"
	"github.com/QYUbit/roomsync/pkg/synclog"
	"github.com/QYUbit/roomsync/pkg/synclog/logrusadapter"
	"github.com/QYUbit/roomsync/pkg/transport"
	quictransport "github.com/QYUbit/roomsync/pkg/transport/quic"
	websockets "github.com/QYUbit/roomsync/pkg/transport/websocket"
	wttransport "github.com/QYUbit/roomsync/pkg/transport/webtransport"
	"github.com/quic-go/quic-go"
)

type options struct {
	addr      string
	network   string
	roomType  string
	roomID    string
	token     string
	bots      int
	move      time.Duration
	print     time.Duration
	duration  time.Duration
	logLevel  string
	logFormat string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.addr, "addr", "ws://localhost:8080/ws", "server address: a ws:// url, a host:port for quic or an https:// url for webtransport")
	flag.StringVar(&o.network, "transport", "websocket", "websocket, quic or webtransport")
	flag.StringVar(&o.roomType, "room-type", "arena", "room type to join or create")
	flag.StringVar(&o.roomID, "room", "", "join this room id instead of matching by type")
	flag.StringVar(&o.token, "token", "", "join token handed to the server's authenticator")
	flag.IntVar(&o.bots, "bots", 2, "number of clients")
	flag.DurationVar(&o.move, "move-interval", 200*time.Millisecond, "time between two moves of a bot")
	flag.DurationVar(&o.print, "print-interval", 2*time.Second, "time between two state dumps, 0 to disable")
	flag.DurationVar(&o.duration, "duration", 0, "stop after this long, 0 to run until interrupted")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level")
	flag.StringVar(&o.logFormat, "log-format", "text", "log format, json or text")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()

	logger := logrusadapter.NewLogger(os.Stderr, o.logLevel, o.logFormat)
	log := logrusadapter.New(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	var wg sync.WaitGroup
	for i := range o.bots {
		name := fmt.Sprintf("bot-%d", i+1)
		b := &bot{
			opts:   o,
			logger: log.With("bot", name),
			dump:   i == 0 && o.print > 0,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				b.logger.Error("bot stopped", "error", err)
			}
		}()
	}
	wg.Wait()
}

type bot struct {
	opts   options
	logger synclog.Logger
	dump   bool
}

func (b *bot) run(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	peer, err := dial(dctx, b.opts.network, b.opts.addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c, err := client.Join(dctx, peer, client.JoinOptions{
		RoomType: b.opts.roomType,
		RoomID:   b.opts.roomID,
		Token:    []byte(b.opts.token),
		Logger:   b.logger,
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	b.logger.Info("joined", "room", c.RoomID(), "session", c.SessionID())

	c.OnStateReset(func(*schema.Object) {
		b.logger.Warn("state was rebuilt from a full snapshot")
	})
	c.OnLeave(func(code transport.CloseCode) {
		b.logger.Info("left room", "code", code.String())
	})
	c.OnMessage("*", func(typ string, payload []byte) {
		b.logger.Debug("message", "type", typ, "payload", string(payload))
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- c.Run(ctx)
	}()

	move := time.NewTicker(b.opts.move)
	defer move.Stop()

	var dump <-chan time.Time
	if b.dump {
		t := time.NewTicker(b.opts.print)
		defer t.Stop()
		dump = t.C
	}

	pos := [3]float64{rand.Float64() * 200, rand.Float64() * 200, 0}
	for {
		select {
		case err := <-runErr:
			return err

		case <-move.C:
			for i := range 2 {
				pos[i] += rand.Float64()*20 - 10
			}
			if err := c.Send("move", map[string]float64{"x": pos[0], "y": pos[1], "z": pos[2]}); err != nil {
				b.logger.Warn("failed to move", "error", err)
			}

		case <-dump:
			c.View(func(root *schema.Object) {
				if root == nil {
					return
				}
				out, err := json.MarshalIndent(schema.Plain(root), "", "  ")
				if err != nil {
					b.logger.Error("failed to print state", "error", err)
					return
				}
				fmt.Println(string(out))
			})
		}
	}
}

func dial(ctx context.Context, network, addr string) (transport.Peer, error) {
	// bots talk to development servers with self-signed certificates
	insecure := &tls.Config{InsecureSkipVerify: true}

	switch network {
	case "websocket", "ws":
		return peer(websockets.Dial(ctx, addr, nil))
	case "quic":
		insecure.NextProtos = []string{"roomsync"}
		return peer(quictransport.Dial(ctx, addr, insecure, &quic.Config{KeepAlivePeriod: 15 * time.Second}))
	case "webtransport", "wt":
		return peer(wttransport.Dial(ctx, addr, nil, insecure))
	}
	return nil, fmt.Errorf("unknown transport %q", network)
}

// peer keeps a typed nil out of the interface.
func peer[P transport.Peer](p P, err error) (transport.Peer, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}
