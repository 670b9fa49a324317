package store

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"github.com/leon90dm/clawdbot/internal/errors"
)

// bleveDoc is the indexed document shape.
type bleveDoc struct {
	Content string `json:"content"`
}

// bleveIndex ranks chunks with a bleve BM25 index stored beside the SQLite
// file. Writes are buffered per store transaction and applied on commit, so
// a rolled-back transaction leaves the text index untouched.
type bleveIndex struct {
	idx  bleve.Index
	path string
	ok   bool

	mu      sync.Mutex
	pending *bleve.Batch
	clear   bool
}

// newBleveIndex opens or creates the bleve index directory.
func newBleveIndex(path string) *bleveIndex {
	idx, err := bleve.Open(path)
	if err != nil {
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		return &bleveIndex{path: path, ok: false}
	}
	return &bleveIndex{idx: idx, path: path, ok: true}
}

func (b *bleveIndex) batch() *bleve.Batch {
	if b.pending == nil {
		b.pending = b.idx.NewBatch()
	}
	return b.pending
}

func (b *bleveIndex) insertTx(_ *sql.Tx, chunkID int64, text string) error {
	if !b.ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.batch().Index(strconv.FormatInt(chunkID, 10), bleveDoc{Content: text})
}

func (b *bleveIndex) deleteTx(_ *sql.Tx, chunkIDs []int64) error {
	if !b.ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range chunkIDs {
		b.batch().Delete(strconv.FormatInt(id, 10))
	}
	return nil
}

func (b *bleveIndex) clearTx(_ *sql.Tx) error {
	if !b.ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clear = true
	return nil
}

func (b *bleveIndex) commit() error {
	if !b.ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.clear {
		// Full rebuild: drop the index directory and start fresh.
		if err := b.idx.Close(); err != nil {
			return errors.Wrap(errors.KindIO, "close bleve index", err)
		}
		if err := os.RemoveAll(b.path); err != nil {
			return errors.Wrap(errors.KindIO, "remove bleve index", err)
		}
		idx, err := bleve.New(b.path, bleve.NewIndexMapping())
		if err != nil {
			b.ok = false
			return errors.Wrap(errors.KindIO, "recreate bleve index", err)
		}
		b.idx = idx
		b.clear = false
	}

	if b.pending != nil {
		if err := b.idx.Batch(b.pending); err != nil {
			return errors.Wrap(errors.KindIO, "apply bleve batch", err)
		}
		b.pending = nil
	}
	return nil
}

func (b *bleveIndex) rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.clear = false
}

func (b *bleveIndex) search(ctx context.Context, query string, limit int) ([]TextHit, error) {
	if !b.ok {
		return nil, nil
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("content")
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "bleve search", err)
	}

	hits := make([]TextHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, TextHit{ChunkID: id, RawScore: hit.Score})
	}
	return hits, nil
}

func (b *bleveIndex) available() bool { return b.ok }

func (b *bleveIndex) close() error {
	if !b.ok {
		return nil
	}
	return b.idx.Close()
}
