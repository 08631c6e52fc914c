// Package archive copies receipts out of the ledger into compressed,
// content-addressed batches on object storage. Archiving never truncates
// the ledger.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/Mindburn-Labs/helm-gate/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gate/pkg/ledger"
)

// FormatVersion is written into every batch.
const FormatVersion = 1

// DefaultBatchSize is the number of receipts per object.
const DefaultBatchSize = 1000

// ErrBatchInvalid is returned when a batch does not hash-chain internally.
var ErrBatchInvalid = errors.New("archive: batch invalid")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core deterministic encoding: the same batch always yields the same
	// bytes, so object keys and digests are stable across re-exports.
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("archive: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("archive: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Batch is one archived run of consecutive receipts.
type Batch struct {
	Version  int                          `json:"version"`
	First    uint64                       `json:"first"` // chain position of Receipts[0]
	Last     uint64                       `json:"last"`
	PrevHash string                       `json:"prev_hash"` // hash before Receipts[0]
	Receipts []contracts.ExecutionReceipt `json:"receipts"`
}

// Key is the object key for the batch: receipts/<first>-<last hash>.cbor.zst.
func (b Batch) Key() string {
	last := ledger.GenesisHash
	if n := len(b.Receipts); n > 0 {
		last = strings.TrimPrefix(b.Receipts[n-1].Hash, "sha256:")
	}
	return fmt.Sprintf("receipts/%012d-%s.cbor.zst", b.First, last)
}

// Verify checks that the batch links to PrevHash and that every receipt
// hash recomputes.
func (b Batch) Verify() error {
	if uint64(len(b.Receipts)) != b.Last-b.First+1 {
		return fmt.Errorf("%w: %d receipts for positions %d-%d", ErrBatchInvalid, len(b.Receipts), b.First, b.Last)
	}
	prev := b.PrevHash
	for i, r := range b.Receipts {
		if r.PrevHash != prev {
			return fmt.Errorf("%w: position %d does not link to %s", ErrBatchInvalid, b.First+uint64(i), prev)
		}
		h, err := ledger.ReceiptHash(r)
		if err != nil {
			return err
		}
		if h != r.Hash {
			return fmt.Errorf("%w: position %d hash mismatch", ErrBatchInvalid, b.First+uint64(i))
		}
		prev = r.Hash
	}
	return nil
}

// Encode returns the zstd-compressed deterministic CBOR form of b.
func Encode(b Batch) ([]byte, error) {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode.
func Decode(data []byte) (Batch, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return Batch{}, fmt.Errorf("decompress batch: %w", err)
	}
	var b Batch
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return Batch{}, fmt.Errorf("decode batch: %w", err)
	}
	if b.Version != FormatVersion {
		return Batch{}, fmt.Errorf("%w: unsupported version %d", ErrBatchInvalid, b.Version)
	}
	return b, nil
}

// Object describes one written batch.
type Object struct {
	Key      string `json:"key"`
	First    uint64 `json:"first"`
	Last     uint64 `json:"last"`
	Receipts int    `json:"receipts"`
	Bytes    int    `json:"bytes"`
}

// Manifest is the result of an export run. Next is the position to resume
// from.
type Manifest struct {
	Objects []Object `json:"objects"`
	Next    uint64   `json:"next"`
}

// Exporter reads the ledger and writes batches to a sink.
type Exporter struct {
	reader    ledger.Reader
	sink      ObjectSink
	batchSize int
	logger    *slog.Logger
}

// NewExporter creates an Exporter with DefaultBatchSize.
func NewExporter(r ledger.Reader, sink ObjectSink) *Exporter {
	return &Exporter{
		reader:    r,
		sink:      sink,
		batchSize: DefaultBatchSize,
		logger:    slog.Default().With("component", "archive"),
	}
}

// WithBatchSize sets the number of receipts per object.
func (e *Exporter) WithBatchSize(n int) *Exporter {
	if n > 0 {
		e.batchSize = n
	}
	return e
}

// WithLogger sets the logger.
func (e *Exporter) WithLogger(l *slog.Logger) *Exporter {
	e.logger = l
	return e
}

// Export writes every receipt from chain position from onwards. A partial
// trailing batch is written too; re-exporting the same range produces the
// same keys and bytes.
func (e *Exporter) Export(ctx context.Context, from uint64) (Manifest, error) {
	if from == 0 {
		from = 1
	}
	m := Manifest{Next: from}

	prev := ledger.GenesisHash
	if from > 1 {
		before, err := e.reader.Scan(ctx, from-1, 1)
		if err != nil {
			return m, fmt.Errorf("read position %d: %w", from-1, err)
		}
		if len(before) != 1 {
			return m, fmt.Errorf("archive: ledger has no position %d", from-1)
		}
		prev = before[0].Hash
	}

	start := time.Now()
	for {
		page, err := e.reader.Scan(ctx, m.Next, e.batchSize)
		if err != nil {
			return m, fmt.Errorf("scan from %d: %w", m.Next, err)
		}
		if len(page) == 0 {
			break
		}
		b := Batch{
			Version:  FormatVersion,
			First:    m.Next,
			Last:     m.Next + uint64(len(page)) - 1,
			PrevHash: prev,
			Receipts: page,
		}
		data, err := Encode(b)
		if err != nil {
			return m, err
		}
		key := b.Key()
		if err := e.sink.Put(ctx, key, data); err != nil {
			return m, fmt.Errorf("write %s: %w", key, err)
		}
		m.Objects = append(m.Objects, Object{Key: key, First: b.First, Last: b.Last, Receipts: len(page), Bytes: len(data)})
		m.Next = b.Last + 1
		prev = page[len(page)-1].Hash
	}

	e.logger.InfoContext(ctx, "receipts archived",
		"objects", len(m.Objects), "from", from, "next", m.Next, "duration", time.Since(start))
	return m, nil
}

// Restore reads and verifies one archived batch.
func Restore(ctx context.Context, sink ObjectSink, key string) (Batch, error) {
	data, err := sink.Get(ctx, key)
	if err != nil {
		return Batch{}, err
	}
	b, err := Decode(data)
	if err != nil {
		return Batch{}, err
	}
	if err := b.Verify(); err != nil {
		return Batch{}, err
	}
	if b.Key() != key {
		return Batch{}, fmt.Errorf("%w: stored under %s, content says %s", ErrBatchInvalid, key, b.Key())
	}
	return b, nil
}
