package resp

import (
	"bufio"
	"bytes"
	"testing"
	"time"
)

func TestSnapshotRoundTrip(t *testing.T) {
	entries := []Entry{
		{Key: "plain", Value: "hello"},
		{Key: "numeric", Value: "12345"},
		{Key: "withexpiry", Value: "ttl'd", ExpireAt: time.UnixMilli(1_700_000_000_000)},
	}
	meta := map[string]string{"replid": "repl-abc", "hwm": "42"}
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, meta, entries); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	gotMeta, got, err := ReadSnapshot(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if gotMeta["replid"] != "repl-abc" || gotMeta["hwm"] != "42" {
		t.Errorf("metadata = %+v, want replid=repl-abc hwm=42", gotMeta)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i].Key != e.Key || got[i].Value != e.Value {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
		if !e.ExpireAt.IsZero() && !got[i].ExpireAt.Equal(e.ExpireAt) {
			t.Errorf("entry %d expiry = %v, want %v", i, got[i].ExpireAt, e.ExpireAt)
		}
	}
}

func TestSnapshotRejectsBadHeader(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NOTRAFTKV!")
	buf.Write(make([]byte, 8))
	if _, _, err := ReadSnapshot(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for bad magic header, got nil")
	}
}

func TestSnapshotRejectsCorruptChecksum(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSnapshot(&buf, nil, []Entry{{Key: "a", Value: "b"}}); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a byte in the checksum trailer
	if _, _, err := ReadSnapshot(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

func TestSizePrefixBoundaries(t *testing.T) {
	for _, n := range []uint64{0, 63, 64, 16383, 16384, 1 << 20, 1<<32 - 1} {
		var buf bytes.Buffer
		if err := writeSize(&buf, n); err != nil {
			t.Fatalf("writeSize(%d): %v", n, err)
		}
		got, err := readSize(bufio.NewReader(&buf))
		if err != nil {
			t.Fatalf("readSize(%d): %v", n, err)
		}
		if got != n {
			t.Errorf("roundtrip(%d) = %d", n, got)
		}
	}
}

func TestSizePrefixOverflowFails(t *testing.T) {
	var buf bytes.Buffer
	if err := writeSize(&buf, 1<<32); err == nil {
		t.Fatal("writeSize(2^32) should fail, got nil error")
	}
}

func TestExpiryIndicatorsAreDistinct(t *testing.T) {
	var millisBuf bytes.Buffer
	if err := writeExpiry(&millisBuf, time.UnixMilli(1000)); err != nil {
		t.Fatal(err)
	}
	msByte, _ := millisBuf.ReadByte()
	if msByte != expiryMillis {
		t.Errorf("millis indicator = %#x, want %#x", msByte, expiryMillis)
	}
	if expiryMillis == expirySeconds {
		t.Fatal("expiry indicators must be distinct")
	}
}

// A seconds-tagged expiry carries a 4-byte timestamp, unlike the
// 8-byte milliseconds form; the decoder must honor both widths.
func TestSecondsExpiryDecodesFourByteTimestamp(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(expirySeconds)
	buf.Write([]byte{0x39, 0x30, 0x00, 0x00}) // 12345 little-endian
	if err := writeString(&buf, "k"); err != nil {
		t.Fatal(err)
	}
	if err := writeString(&buf, "v"); err != nil {
		t.Fatal(err)
	}
	e, err := readEntry(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readEntry: %v", err)
	}
	if !e.ExpireAt.Equal(time.Unix(12345, 0)) {
		t.Errorf("expiry = %v, want %v", e.ExpireAt, time.Unix(12345, 0))
	}
	if e.Key != "k" || e.Value != "v" {
		t.Errorf("entry = %+v", e)
	}
}
