package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// label describes a change by its hash, author and the journal tip as of that change.
func label(doc *automerge.Doc, change *automerge.Change) (string, error) {
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	tip := "-"
	if value, err := docAt.Path("tip").Get(); err == nil && value != nil {
		if v := value.Interface(); v != nil {
			tip = fmt.Sprint(v)
		}
	}
	return fmt.Sprintf("%s %s@%d tip=%s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), tip), nil
}

// RenderJournalToSvg draws the change history of a broker journal document.
func RenderJournalToSvg(doc *automerge.Doc, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		text, err := label(doc, change)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(text)
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			parent, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("journal-%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderJournalToSvg(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}

// WriteDot prints the same history as DOT source.
func WriteDot(doc *automerge.Doc, w io.Writer) error {
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	fmt.Fprintln(w, `digraph "journal" {`)
	for _, change := range changes {
		text, err := label(doc, change)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "    \"%s\" [label=\"%s\"]\n", change.Hash(), text)
		for _, hash := range change.Dependencies() {
			fmt.Fprintf(w, "    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Fprintln(w, "}")
	return nil
}
