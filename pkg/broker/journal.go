package broker

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

// DocJournal keeps retained messages in an automerge document laid out as topics/<topic>/<seq> = payload, with the
// latest sequence number under tip. The document is backed up to a sqlite table as base64.
type DocJournal struct {
	lock     sync.Mutex
	doc      *automerge.Doc
	database *sql.DB
	id       string
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// OpenJournal ensures the journals table exists and loads the document stored under id, creating it when missing.
func OpenJournal(ctx context.Context, database *sql.DB, id string) (*DocJournal, error) {
	if _, err := database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS journals (
		id text not null primary key,
		content text
		)`,
	); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	if _, err := database.ExecContext(ctx,
		`INSERT OR IGNORE INTO journals (id, content) VALUES (?, ?)`,
		id, base64.StdEncoding.EncodeToString(automerge.New().Save()),
	); err != nil {
		return nil, fmt.Errorf("failed to seed journal: %w", err)
	}

	var rawSave string
	if err := database.QueryRowContext(ctx, `SELECT content FROM journals WHERE id = ?`, id).Scan(&rawSave); err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawSave)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("opened journal", "id", id, "heads", doc.Heads())
	return &DocJournal{doc: doc, database: database, id: id}, nil
}

func (j *DocJournal) Append(r Record) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	if err := j.doc.Path("topics", r.Topic, seqKey(r.Seq)).Set(string(r.Payload)); err != nil {
		return fmt.Errorf("failed to set message: %w", err)
	}
	if err := j.doc.Path("tip").Set(int64(r.Seq)); err != nil {
		return fmt.Errorf("failed to set tip: %w", err)
	}
	if _, err := j.doc.Commit(fmt.Sprintf("publish %s %d", r.Topic, r.Seq)); err != nil {
		return fmt.Errorf("failed to commit doc: %w", err)
	}
	return nil
}

func (j *DocJournal) Evict(topic string, seqs ...uint64) error {
	j.lock.Lock()
	defer j.lock.Unlock()
	entries := j.doc.Path("topics", topic).Map()
	for _, seq := range seqs {
		if err := entries.Delete(seqKey(seq)); err != nil {
			return fmt.Errorf("failed to delete %d: %w", seq, err)
		}
	}
	if _, err := j.doc.Commit(fmt.Sprintf("evict %s %d", topic, len(seqs))); err != nil {
		return fmt.Errorf("failed to commit doc: %w", err)
	}
	return nil
}

// Records reads every retained message back out of the document in sequence order.
func (j *DocJournal) Records() ([]Record, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	return RecordsOf(j.doc)
}

// RecordsOf reads the retained messages of a journal document in sequence order.
func RecordsOf(doc *automerge.Doc) ([]Record, error) {
	v, err := doc.Path("topics").Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	topics, err := automerge.As[*automerge.Map](v)
	if err != nil {
		return nil, fmt.Errorf("failed to read topics: %w", err)
	}
	names, err := topics.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	out := make([]Record, 0)
	for _, name := range names {
		entries, err := automerge.As[*automerge.Map](topics.Get(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read topic %s: %w", name, err)
		}
		keys, err := entries.Keys()
		if err != nil {
			return nil, fmt.Errorf("failed to list topic %s: %w", name, err)
		}
		for _, k := range keys {
			seq, err := strconv.ParseUint(k, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad sequence key %q in topic %s: %w", k, name, err)
			}
			payload, err := automerge.As[string](entries.Get(k))
			if err != nil {
				return nil, fmt.Errorf("failed to read %s/%s: %w", name, k, err)
			}
			out = append(out, Record{Seq: seq, Topic: name, Payload: json.RawMessage(payload)})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

// Fork returns an independent copy of the document for rendering or dumping.
func (j *DocJournal) Fork() (*automerge.Doc, error) {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.doc.Fork()
}

// Backup writes the document to the database when it differs from what is stored.
func (j *DocJournal) Backup(ctx context.Context) (bool, error) {
	j.lock.Lock()
	newContent := base64.StdEncoding.EncodeToString(j.doc.Save())
	heads := j.doc.Heads()
	j.lock.Unlock()

	res, err := j.database.ExecContext(
		ctx, `UPDATE journals SET content = ? WHERE id = ? AND content != ?`,
		newContent, j.id, newContent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to backup journal: %w", err)
	}
	if r, _ := res.RowsAffected(); r > 0 {
		slog.Info("backed up", "journal", j.id, "heads", heads)
		return true, nil
	}
	return false, nil
}

// BackupContinuously runs Backup on every tick until the context is cancelled.
func (j *DocJournal) BackupContinuously(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := j.Backup(ctx); err != nil {
				slog.Error("failed to backup journal", "err", err)
			}
		case <-ctx.Done():
			slog.Info("stopping scheduled backup")
			return
		}
	}
}
