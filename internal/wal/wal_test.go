package wal

import "testing"

func TestWALAppendAndRead(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if !w.IsEmpty() {
		t.Fatal("expected empty log")
	}

	ops := []WriteOperation{
		{LogIndex: 1, Term: 1, Request: []byte("SET a 1")},
		{LogIndex: 2, Term: 1, Request: []byte("SET b 2")},
		{LogIndex: 3, Term: 2, Request: []byte("SET c 3")},
	}
	if err := w.AppendMany(ops); err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	if got := w.LastIndex(); got != 3 {
		t.Errorf("LastIndex = %d, want 3", got)
	}
	if got := w.LastTerm(); got != 2 {
		t.Errorf("LastTerm = %d, want 2", got)
	}

	op, ok := w.ReadAt(2)
	if !ok || string(op.Request) != "SET b 2" {
		t.Errorf("ReadAt(2) = %+v, ok=%v", op, ok)
	}

	rng := w.Range(1, 2)
	if len(rng) != 2 {
		t.Fatalf("Range(1,2) returned %d entries, want 2", len(rng))
	}
}

func TestWALTruncateAfter(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ops := []WriteOperation{
		{LogIndex: 1, Term: 1, Request: []byte("a")},
		{LogIndex: 2, Term: 1, Request: []byte("b")},
		{LogIndex: 3, Term: 1, Request: []byte("c")},
	}
	if err := w.AppendMany(ops); err != nil {
		t.Fatalf("AppendMany: %v", err)
	}
	if err := w.TruncateAfter(1); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}
	if got := w.LastIndex(); got != 1 {
		t.Errorf("LastIndex after truncate = %d, want 1", got)
	}
}

func TestWALOverwrite(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	ops := []WriteOperation{
		{LogIndex: 1, Term: 1, Request: []byte("a")},
		{LogIndex: 2, Term: 1, Request: []byte("stale")},
		{LogIndex: 3, Term: 1, Request: []byte("stale2")},
	}
	if err := w.AppendMany(ops); err != nil {
		t.Fatalf("AppendMany: %v", err)
	}

	if err := w.Overwrite([]WriteOperation{
		{LogIndex: 2, Term: 2, Request: []byte("fresh")},
	}); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}

	if got := w.LastIndex(); got != 2 {
		t.Errorf("LastIndex after overwrite = %d, want 2", got)
	}
	op, ok := w.ReadAt(2)
	if !ok || string(op.Request) != "fresh" || op.Term != 2 {
		t.Errorf("ReadAt(2) = %+v, ok=%v", op, ok)
	}
}

func TestWALPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	w1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w1.SetCurrentTerm(5); err != nil {
		t.Fatalf("SetCurrentTerm: %v", err)
	}
	if err := w1.SetVotedFor("node-2"); err != nil {
		t.Fatalf("SetVotedFor: %v", err)
	}
	if err := w1.Append(WriteOperation{LogIndex: 1, Term: 5, Request: []byte("x")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	w1.Close()

	w2, err := New(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	if w2.CurrentTerm() != 5 {
		t.Errorf("CurrentTerm = %d, want 5", w2.CurrentTerm())
	}
	if w2.VotedFor() != "node-2" {
		t.Errorf("VotedFor = %q, want node-2", w2.VotedFor())
	}
	if w2.LastIndex() != 1 {
		t.Errorf("LastIndex = %d, want 1", w2.LastIndex())
	}
}
