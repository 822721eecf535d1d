package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/gol-pubsub/pkg/grid"
	"github.com/astromechza/gol-pubsub/pkg/pubsub"
	"github.com/astromechza/gol-pubsub/pkg/render"
	"github.com/astromechza/gol-pubsub/pkg/session"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the broker address to request on")
	pubKeyVar := flag.String("pub-key", "demo", "the publish key")
	subKeyVar := flag.String("sub-key", "demo", "the subscribe key")
	topicVar := flag.String("topic", session.DefaultTopic, "the topic to share the board on")
	streamVar := flag.Bool("stream", false, "receive over a websocket stream instead of long polling")
	paintVar := flag.Duration("paint-every", 0, "draw a random stroke this often, 0 to disable")
	tickVar := flag.Duration("tick-every", 0, "press the tick button this often, 0 to disable")
	outVar := flag.String("out", "", "where to write the board png on exit, defaults to the temp dir")
	verboseVar := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verboseVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	httpClient := pubsub.NewHTTPClient(baseUrl, *pubKeyVar, *subKeyVar)
	var client pubsub.Client = httpClient
	if *streamVar {
		sc := pubsub.NewStreamClient(httpClient)
		defer sc.Close()
		client = sc
	}

	layout := render.DefaultLayout()
	canvas := render.NewCanvas(layout)
	s := session.New(session.Config{
		Grid:    grid.New(render.MapSize),
		Painter: canvas,
		Client:  client,
		Topic:   *topicVar,
		Layout:  layout,
		OnTicks: func(ticks int) {
			slog.Info(render.StatusText(ticks))
		},
		OnBrush: func(brush grid.Cell) {
			slog.Info("brush changed", "alive", brush == grid.Alive)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Run(ctx); err != nil {
			slog.Error("session failed", "err", err)
		}
	}()

	if *paintVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			strokeRandomlyContinuously(ctx, s, layout, *paintVar)
		}()
	}

	if *tickVar > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(*tickVar)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					s.Post(s.Input.Tick)
				case <-ctx.Done():
					slog.Info("stopping scheduled tick")
					return
				}
			}
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := *outVar
	if tf == "" {
		tf = filepath.Join(os.TempDir(), fmt.Sprintf("board-%d.png", os.Getpid()))
	}
	if err := canvas.SavePNG(tf, render.StatusText(s.Loop.Ticks())); err != nil {
		return err
	}
	slog.Info("dumped", "dump", "file://"+tf, "population", s.Grid().Population())
	return nil
}

// strokeRandomlyContinuously drags a short straight line across the board at random intervals, toggling the brush
// now and then, the way a person idly painting would.
func strokeRandomlyContinuously(ctx context.Context, s *session.Session, layout render.Layout, every time.Duration) {
	w, h := float64(layout.PixelWidth()), float64(layout.PixelHeight())
	for {
		t := time.NewTimer(every + time.Duration(rand.Int63n(int64(every))))
		select {
		case <-t.C:
			x, y := rand.Float64()*w, rand.Float64()*h
			dx, dy := rand.Float64()*8-4, rand.Float64()*8-4
			steps := 3 + rand.Intn(12)
			s.Post(func() {
				if rand.Intn(4) == 0 {
					s.Input.ToggleBrush()
				}
				s.Input.PointerDown(x, y)
				for i := 1; i <= steps; i++ {
					s.Input.PointerMove(x+dx*float64(i), y+dy*float64(i))
				}
				s.Input.PointerUp()
			})
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled stroke")
			return
		}
	}
}
