package util

import (
	"bytes"
	"crypto/tls"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

func TestRotatingFileRollsAndCompresses(t *testing.T) {
	dir := t.TempDir()
	r, err := OpenRotatingFile(dir, 64, 5)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	first := strings.Repeat("a", 40) + "\n"
	second := strings.Repeat("b", 40) + "\n"
	if _, err := r.Write([]byte(first)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := r.Write([]byte(second)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	active, err := os.ReadFile(filepath.Join(dir, "framecast.log"))
	if err != nil {
		t.Fatalf("read active: %v", err)
	}
	if string(active) != second {
		t.Fatalf("active = %q, want second write only", active)
	}

	rolled := filepath.Join(dir, "framecast_2026-03-01T12-00-00.log.zst")
	f, err := os.Open(rolled)
	if err != nil {
		t.Fatalf("rolled file missing: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(got) != first {
		t.Fatalf("rolled = %q, want first write", got)
	}
	if _, err := os.Stat(strings.TrimSuffix(rolled, ".zst")); !os.IsNotExist(err) {
		t.Fatal("uncompressed rolled file left behind")
	}
}

func TestRotatingFileRejectsWriteAfterClose(t *testing.T) {
	r, err := OpenRotatingFile(t.TempDir(), 0, 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	r.Close()
	if _, err := r.Write([]byte("x")); err == nil {
		t.Fatal("write after close succeeded")
	}
}

func TestCleanOldLogs(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"framecast_2026-01-01T00-00-00.log.zst",
		"framecast_2026-01-02T00-00-00.log.zst",
		"framecast_2026-01-03T00-00-00.log",
		"framecast.log",
		"other.txt",
	}
	base := time.Now().Add(-time.Hour)
	for i, name := range names {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}

	cleanOldLogs(dir, 1)

	for name, want := range map[string]bool{
		names[0]: false,
		names[1]: false,
		names[2]: true,
		names[3]: true,
		names[4]: true,
	} {
		_, err := os.Stat(filepath.Join(dir, name))
		if exists := err == nil; exists != want {
			t.Errorf("%s exists = %v, want %v", name, exists, want)
		}
	}
}

func TestEnsureSelfSignedCert(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "tls", "api.crt")
	key := filepath.Join(dir, "tls", "api.key")

	if err := EnsureSelfSignedCert(cert, key, []string{"localhost", "127.0.0.1"}); err != nil {
		t.Fatalf("generate: %v", err)
	}
	pair, err := tls.LoadX509KeyPair(cert, key)
	if err != nil {
		t.Fatalf("load pair: %v", err)
	}
	if len(pair.Certificate) != 1 {
		t.Fatalf("chain length = %d", len(pair.Certificate))
	}

	before, _ := os.ReadFile(cert)
	if err := EnsureSelfSignedCert(cert, key, nil); err != nil {
		t.Fatalf("second call: %v", err)
	}
	after, _ := os.ReadFile(cert)
	if !bytes.Equal(before, after) {
		t.Fatal("existing certificate was regenerated")
	}
}

func TestGetResourceUsage(t *testing.T) {
	usage := GetResourceUsage()
	if usage.Goroutines < 1 {
		t.Fatalf("goroutines = %d", usage.Goroutines)
	}
}
