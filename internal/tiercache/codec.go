package tiercache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// Bodies smaller than this are stored as is.
const compressMinBytes = 512

// storedSnapshot is the on-disk form of a Snapshot.
type storedSnapshot struct {
	Status     int
	Header     http.Header
	Body       []byte
	Compressed bool
}

type snapshotCodec struct {
	compress bool

	once sync.Once
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	err  error
}

func newSnapshotCodec(compress bool) *snapshotCodec {
	return &snapshotCodec{compress: compress}
}

func (c *snapshotCodec) init() error {
	c.once.Do(func() {
		c.enc, c.err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(false),
		)
		if c.err != nil {
			return
		}
		c.dec, c.err = zstd.NewReader(nil)
	})
	return c.err
}

func (c *snapshotCodec) Encode(s Snapshot) ([]byte, error) {
	st := storedSnapshot{Status: s.Status, Header: s.Header, Body: s.Body}
	if c.compress && len(s.Body) >= compressMinBytes {
		if err := c.init(); err != nil {
			return nil, errors.Wrap(err, "init zstd")
		}
		st.Body = c.enc.EncodeAll(s.Body, nil)
		st.Compressed = true
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&st); err != nil {
		return nil, errors.Wrap(err, "gob encode snapshot")
	}
	return buf.Bytes(), nil
}

func (c *snapshotCodec) Decode(b []byte) (Snapshot, error) {
	var st storedSnapshot
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode snapshot")
	}
	body := st.Body
	if st.Compressed {
		if err := c.init(); err != nil {
			return Snapshot{}, errors.Wrap(err, "init zstd")
		}
		out, err := c.dec.DecodeAll(st.Body, nil)
		if err != nil {
			return Snapshot{}, errors.Wrap(err, "decompress body")
		}
		body = out
	}
	if st.Header == nil {
		st.Header = make(http.Header)
	}
	return Snapshot{Status: st.Status, Header: st.Header, Body: body}, nil
}

func (c *snapshotCodec) Close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
