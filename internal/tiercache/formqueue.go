package tiercache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PendingForm is a form submission that could not reach the network. It is
// created once, deleted after a successful replay and never updated.
type PendingForm struct {
	ID          uint64          `json:"id"`
	URL         string          `json:"url"`
	Method      string          `json:"method"`
	Body        json.RawMessage `json:"body"`
	ContentType string          `json:"contentType,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

var formPrefix = []byte("f:")

// FormQueue stores pending form submissions in leveldb, keyed by an
// auto-incrementing id.
type FormQueue struct {
	db  *leveldb.DB
	now func() time.Time

	mu     sync.Mutex
	lastID uint64
}

// OpenFormQueue opens the queue at path; an empty path keeps the queue in
// memory.
func OpenFormQueue(path string) (*FormQueue, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open form queue %q", path)
	}
	q := &FormQueue{db: db, now: time.Now}
	if err := q.loadLastID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *FormQueue) loadLastID() error {
	b, err := q.db.Get([]byte("seq"), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read form sequence")
	}
	if len(b) != 8 {
		return errors.New("corrupt form sequence")
	}
	q.lastID = binary.BigEndian.Uint64(b)
	return nil
}

func (q *FormQueue) Close() error { return q.db.Close() }

// Enqueue stores f under a fresh id and returns that id.
func (q *FormQueue) Enqueue(f PendingForm) (uint64, error) {
	if f.URL == "" {
		return 0, errors.New("pending form without url")
	}
	if f.Method == "" {
		f.Method = http.MethodPost
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.lastID + 1
	f.ID = id
	if f.EnqueuedAt.IsZero() {
		f.EnqueuedAt = q.now().UTC()
	}
	b, err := json.Marshal(f)
	if err != nil {
		return 0, errors.Wrap(err, "encode pending form")
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, id)
	batch := new(leveldb.Batch)
	batch.Put(formKey(id), b)
	batch.Put([]byte("seq"), seq)
	if err := q.db.Write(batch, nil); err != nil {
		return 0, errors.Wrap(err, "store pending form")
	}
	q.lastID = id
	return id, nil
}

// Pending returns every queued submission, oldest first.
func (q *FormQueue) Pending() ([]PendingForm, error) {
	it := q.db.NewIterator(util.BytesPrefix(formPrefix), nil)
	defer it.Release()
	var out []PendingForm
	for it.Next() {
		var f PendingForm
		if err := json.Unmarshal(it.Value(), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	if err := it.Error(); err != nil {
		return nil, errors.Wrap(err, "list pending forms")
	}
	return out, nil
}

func (q *FormQueue) Delete(id uint64) error {
	return errors.Wrapf(q.db.Delete(formKey(id), nil), "delete pending form %d", id)
}

func (q *FormQueue) Len() (int, error) {
	forms, err := q.Pending()
	return len(forms), err
}

func formKey(id uint64) []byte {
	k := make([]byte, len(formPrefix)+8)
	copy(k, formPrefix)
	binary.BigEndian.PutUint64(k[len(formPrefix):], id)
	return k
}

// SyncReport summarizes one replay pass.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Replayed  int `json:"replayed"`
	Remaining int `json:"remaining"`
}

// replayForms POSTs every pending submission as JSON. A 2xx answer deletes
// the record; anything else leaves it for the next sync. One failing record
// never stops the others.
func replayForms(ctx context.Context, q *FormQueue, net Fetcher, log zerolog.Logger) (SyncReport, error) {
	forms, err := q.Pending()
	if err != nil {
		return SyncReport{}, err
	}

	var rep SyncReport
	for _, f := range forms {
		if err := ctx.Err(); err != nil {
			rep.Remaining = len(forms) - rep.Replayed
			return rep, err
		}
		rep.Attempted++

		req, err := NewRequest(http.MethodPost, f.URL)
		if err != nil {
			log.Warn().Err(err).Uint64("id", f.ID).Msg("pending form has a bad url")
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Body = []byte(f.Body)

		snap, err := net.Fetch(ctx, req)
		if err != nil {
			log.Debug().Err(err).Uint64("id", f.ID).Msg("form replay failed")
			continue
		}
		if !snap.OK() {
			log.Debug().Int("status", snap.Status).Uint64("id", f.ID).Msg("form replay rejected")
			continue
		}
		if err := q.Delete(f.ID); err != nil {
			log.Warn().Err(err).Uint64("id", f.ID).Msg("form replayed but not removed")
			continue
		}
		rep.Replayed++
	}
	rep.Remaining = len(forms) - rep.Replayed
	if rep.Attempted > 0 {
		log.Info().Int("attempted", rep.Attempted).Int("replayed", rep.Replayed).Int("remaining", rep.Remaining).Msg("form sync")
	}
	return rep, nil
}
