package recorder

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestRecordAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.parquet")
	cfg := map[string]any{"sampleRate": 30.72e6, "snrDb": 10}
	rec, err := Create(path, cfg, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var want []Row
	for i := 0; i < 10; i++ {
		row := Row{
			FrameID:     uint64(i),
			TimestampNs: int64(1_700_000_000_000_000_000 + i*10_000_000),
			DopplerHz:   float64(i*1000) - 4000,
			DelayMs:     5 + float64(i),
			PathLossdB:  174.03,
			SNRdB:       10,
			FadingRe:    0.5,
			FadingIm:    -0.25,
			Outcome:     "sent",
			ElapsedNs:   int64(i) * 1000,
			Miss:        i%3 == 0,
		}
		if i%2 == 1 {
			row.Outcome = "dropped"
		}
		want = append(want, row)
		if err := rec.Record(row); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if rec.Rows() != 8 {
		t.Fatalf("rows flushed before close = %d, want 8", rec.Rows())
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows, config, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != len(want) {
		t.Fatalf("read %d rows, want %d", len(rows), len(want))
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(config), &got); err != nil {
		t.Fatalf("config metadata %q: %v", config, err)
	}
	if got["snrDb"].(float64) != 10 {
		t.Fatalf("config metadata %v", got)
	}
}

func TestEmptyTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	rec, err := Create(path, nil, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	rows, config, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 0 || config != "{}" {
		t.Fatalf("rows=%d config=%q", len(rows), config)
	}
}

func TestCreateFailsForMissingDirectory(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "nope", "trace.parquet"), nil, 0); err == nil {
		t.Fatalf("expected error")
	}
}
