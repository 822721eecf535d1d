package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/gol-pubsub/pkg/broker"
	"github.com/astromechza/gol-pubsub/pkg/viz"
	"github.com/astromechza/gol-pubsub/pkg/wire"
)

// Reads a journal dumped by the broker on shutdown, logs the retained messages and prints the change graph as DOT.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()
	buff, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil
	slog.Info("loaded heads", "heads", doc.Heads())

	records, err := broker.RecordsOf(doc)
	if err != nil {
		return err
	}
	slog.Info("messages:", "count", len(records))
	for _, r := range records {
		var m wire.Message
		summary := "unreadable"
		if err := json.Unmarshal(r.Payload, &m); err == nil {
			if m.Tick {
				summary = "tick"
			} else if edits, err := m.Edits(); err == nil {
				summary = fmt.Sprintf("%d edits", len(edits))
			} else {
				summary = err.Error()
			}
		}
		slog.Info("message", "seq", fmt.Sprintf("%6d", r.Seq), "topic", r.Topic, "summary", summary)
	}

	return viz.WriteDot(doc, os.Stdout)
}
