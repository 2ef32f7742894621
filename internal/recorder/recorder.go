// Package recorder writes a per-frame channel trace to a parquet file.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"
)

// ConfigKey is the file metadata key holding the stream config as JSON.
const ConfigKey = "config"

const defaultBatch = 256

// Row is one produced frame.
type Row struct {
	FrameID     uint64  `parquet:"frame_id"`
	TimestampNs int64   `parquet:"timestamp_ns"`
	DopplerHz   float64 `parquet:"doppler_hz"`
	DelayMs     float64 `parquet:"delay_ms"`
	PathLossdB  float64 `parquet:"path_loss_db"`
	SNRdB       float64 `parquet:"snr_db"`
	FadingRe    float64 `parquet:"fading_re"`
	FadingIm    float64 `parquet:"fading_im"`
	Outcome     string  `parquet:"outcome,dict"`
	ElapsedNs   int64   `parquet:"elapsed_ns"`
	Miss        bool    `parquet:"miss"`
}

// Recorder buffers rows and writes them in batches. It is not safe for
// concurrent use; the scheduler goroutine owns it.
type Recorder struct {
	file   *os.File
	writer *parquet.GenericWriter[Row]
	buf    []Row
	rows   int64
}

// Create opens path for writing and stores config as file metadata.
// batch <= 0 selects the default batch size.
func Create(path string, config any, batch int) (*Recorder, error) {
	configStr := "{}"
	if config != nil {
		b, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("marshal recorder config: %w", err)
		}
		configStr = string(b)
	}
	if batch <= 0 {
		batch = defaultBatch
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace %s: %w", path, err)
	}
	return &Recorder{
		file:   f,
		writer: parquet.NewGenericWriter[Row](f, parquet.KeyValueMetadata(ConfigKey, configStr)),
		buf:    make([]Row, 0, batch),
	}, nil
}

// Record appends a row, flushing when the batch is full.
func (r *Recorder) Record(row Row) error {
	r.buf = append(r.buf, row)
	if len(r.buf) == cap(r.buf) {
		return r.Flush()
	}
	return nil
}

// Flush writes buffered rows.
func (r *Recorder) Flush() error {
	if len(r.buf) == 0 {
		return nil
	}
	n, err := r.writer.Write(r.buf)
	r.rows += int64(n)
	r.buf = r.buf[:0]
	if err != nil {
		return fmt.Errorf("write trace rows: %w", err)
	}
	return nil
}

// Rows is the number of rows handed to the parquet writer so far.
func (r *Recorder) Rows() int64 { return r.rows }

// Close flushes, finalizes the parquet footer and closes the file.
func (r *Recorder) Close() error {
	flushErr := r.Flush()
	if err := r.writer.Close(); err != nil {
		r.file.Close()
		return errors.Join(flushErr, fmt.Errorf("finalize trace: %w", err))
	}
	return errors.Join(flushErr, r.file.Close())
}

// ReadFile loads every row and the stored config JSON from a trace.
func ReadFile(path string) ([]Row, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open trace %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat trace: %w", err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, "", fmt.Errorf("open parquet: %w", err)
	}
	config, _ := pf.Lookup(ConfigKey)

	reader := parquet.NewGenericReader[Row](f)
	defer reader.Close()
	rows := make([]Row, reader.NumRows())
	read := 0
	for read < len(rows) {
		n, err := reader.Read(rows[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, "", fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rows[:read], config, nil
}
