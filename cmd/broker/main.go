package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/gol-pubsub/pkg/broker"
	"github.com/astromechza/gol-pubsub/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:8080", "the address to listen on")
	dbVar := flag.String("db", "broker.sqlite3", "the sqlite database to journal messages into, empty to disable")
	retainVar := flag.Int("retain", 1024, "messages to retain per topic")
	pollVar := flag.Duration("poll-timeout", time.Second*30, "how long a subscribe waits before returning empty")
	backupVar := flag.Duration("backup-every", time.Second*5, "how often the journal is written to the database")
	wwwVar := flag.String("www", "", "a directory of static files to serve, such as the browser client")
	pubKeyVar := flag.String("pub-key", "", "the publish key to require, empty accepts any")
	subKeyVar := flag.String("sub-key", "", "the subscribe key to require, empty accepts any")
	verboseVar := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	level := slog.LevelInfo
	if *verboseVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []broker.Option{broker.WithRetention(*retainVar)}
	var journal *broker.DocJournal
	if *dbVar != "" {
		slog.Info("Opening database", "path", *dbVar)
		db, err := sql.Open("sqlite3", *dbVar)
		if err != nil {
			return err
		}
		defer db.Close()
		if journal, err = broker.OpenJournal(ctx, db, "default"); err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		opts = append(opts, broker.WithJournal(journal))
	}

	b := broker.New(opts...)
	if journal != nil {
		records, err := journal.Records()
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		b.Restore(records)
		slog.Info("restored journal", "records", len(records), "tip", b.Tip())
	}

	srv := broker.NewServer(b, broker.ServerOptions{PublishKey: *pubKeyVar, SubscribeKey: *subKeyVar, PollTimeout: *pollVar})
	httpServer := &http.Server{Addr: *addrVar, Handler: srv.Router(*wwwVar)}

	wg := new(sync.WaitGroup)

	if journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			journal.BackupContinuously(ctx, *backupVar)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	if journal != nil {
		if _, err := journal.Backup(context.Background()); err != nil {
			slog.Error("failed final backup", "err", err)
		}
		dumpJournal(journal)
	}
	return nil
}

func dumpJournal(journal *broker.DocJournal) {
	doc, err := journal.Fork()
	if err != nil {
		slog.Error("failed to fork journal", "err", err)
		return
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("journal-%d.automerge", time.Now().Unix()))
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		slog.Error("failed to dump", "err", err)
	} else {
		slog.Info("dumped", "path", tf)
	}
	if svgPath, err := viz.RenderToTemp(doc); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
}
