package wal

import (
	"strings"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{ChunkIndex: 42, MD5: "abc123", TimestampMs: 1700000000000}
	line := rec.ToLine()

	parsed, err := FromLine(line)
	if err != nil {
		t.Fatalf("FromLine failed: %v", err)
	}
	if parsed.ChunkIndex != rec.ChunkIndex || parsed.MD5 != rec.MD5 || parsed.TimestampMs != rec.TimestampMs {
		t.Errorf("round trip mismatch: got %+v, want %+v", parsed, rec)
	}
}

func TestFromLineLegacyChunkIndexOnly(t *testing.T) {
	parsed, err := FromLine("7")
	if err != nil {
		t.Fatalf("FromLine failed: %v", err)
	}
	if parsed.ChunkIndex != 7 {
		t.Errorf("expected chunk index 7, got %d", parsed.ChunkIndex)
	}
	if parsed.MD5 != "" {
		t.Errorf("expected empty md5, got %q", parsed.MD5)
	}
	if parsed.TimestampMs == 0 {
		t.Error("expected synthesised timestamp, got 0")
	}
}

func TestFromLineLegacyChunkIndexAndMD5(t *testing.T) {
	parsed, err := FromLine("3,d41d8cd98f00b204e9800998ecf8427e")
	if err != nil {
		t.Fatalf("FromLine failed: %v", err)
	}
	if parsed.ChunkIndex != 3 {
		t.Errorf("expected chunk index 3, got %d", parsed.ChunkIndex)
	}
	if parsed.MD5 != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("expected md5 to be preserved, got %q", parsed.MD5)
	}
}

func TestFromLineRejectsNonNumericIndex(t *testing.T) {
	if _, err := FromLine("not-a-number,,123"); err == nil {
		t.Error("expected error for non-numeric chunk index")
	}
}

func TestFromLineRejectsEmptyLine(t *testing.T) {
	if _, err := FromLine(""); err == nil {
		t.Error("expected error for empty line")
	}
}

func TestReadRecordsSkipsCorruptedLines(t *testing.T) {
	input := "0,,100\nbogus-line\n1,md5val,200\n\n2\n"
	recs, skipped, err := ReadRecords(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadRecords failed: %v", err)
	}
	if skipped != 1 {
		t.Errorf("expected 1 skipped line, got %d", skipped)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 parsed records, got %d", len(recs))
	}
	if recs[0].ChunkIndex != 0 || recs[1].ChunkIndex != 1 || recs[2].ChunkIndex != 2 {
		t.Errorf("unexpected chunk indices: %+v", recs)
	}
}
