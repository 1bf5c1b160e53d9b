package session

import (
	"testing"
	"time"

	"psinotify/pkg/logx"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	st, err := NewStore(t.TempDir(), "clinic-01", logx.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if _, ok, err := st.Load(); err != nil || ok {
		t.Fatalf("fresh store Load = ok=%v err=%v, want no prior session", ok, err)
	}

	in := Info{Address: "5511987654321", Device: "Android 14", ConnectedAt: time.Now().Truncate(time.Second)}
	if err := st.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := st.Load()
	if err != nil || !ok {
		t.Fatalf("Load after Save = ok=%v err=%v", ok, err)
	}
	if got.Address != in.Address || got.Device != in.Device {
		t.Fatalf("loaded %+v, want fields of %+v", got, in)
	}
	if got.LastBackupAt.IsZero() {
		t.Fatal("Save did not stamp LastBackupAt")
	}
}

func TestSaveOverwrites(t *testing.T) {
	t.Parallel()
	st, err := NewStore(t.TempDir(), "clinic-01", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(Info{Address: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Save(Info{Address: "second"}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.Load()
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got.Address != "second" {
		t.Fatalf("Address = %q, want latest save", got.Address)
	}
}

func TestClearRemovesArtifacts(t *testing.T) {
	t.Parallel()
	st, err := NewStore(t.TempDir(), "clinic-01", logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Save(Info{Address: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok, err := st.Load(); err != nil || ok {
		t.Fatalf("Load after Clear = ok=%v err=%v, want absent", ok, err)
	}
	// Clearing an already-empty store is fine.
	if err := st.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestNewStoreValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewStore("", "id", logx.Nop()); err == nil {
		t.Fatal("expected error for empty dir")
	}
	if _, err := NewStore(t.TempDir(), " ", logx.Nop()); err == nil {
		t.Fatal("expected error for empty client id")
	}
}
