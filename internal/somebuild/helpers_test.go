package somebuild

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gookit/color"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"lukechampine.com/blake3"
)

func TestMain(m *testing.M) {
	color.Enable = false
	os.Exit(m.Run())
}

type tarEntry struct {
	name     string
	body     string
	mode     int64
	typeflag byte
	linkname string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Mode:     e.mode,
			ModTime:  mtime,
			Typeflag: e.typeflag,
			Linkname: e.linkname,
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
			if hdr.Typeflag == tar.TypeDir {
				hdr.Mode = 0o755
			}
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// sourceTree is the tarball layout used across the pipeline tests.
func sourceTree(t *testing.T, root string) []byte {
	return buildTar(t, []tarEntry{
		{name: root + "/", typeflag: tar.TypeDir},
		{name: root + "/README", body: "hello\n"},
		{name: root + "/src/", typeflag: tar.TypeDir},
		{name: root + "/src/main.c", body: "int main(void) { return 0; }\n"},
		{name: root + "/configure", body: "#!/bin/sh\nexit 0\n", mode: 0o755},
		{name: root + "/LINK", typeflag: tar.TypeSymlink, linkname: "README"},
	})
}

func compress(t *testing.T, format ArchiveFormat, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	switch format.Name {
	case FormatGzip.Name:
		w := pgzip.NewWriter(&buf)
		_, err := w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case FormatXz.Name:
		w, err := xz.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	case FormatZstd.Name:
		w, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = w.Write(raw)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	default:
		t.Fatalf("no writer for %s", format.Name)
	}
	return buf.Bytes()
}

func blake3Hex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// recordingIndicator captures every position reported to it.
type recordingIndicator struct {
	mu        sync.Mutex
	total     int64
	positions []int64
	messages  []string
	finished  string
}

func (r *recordingIndicator) SetTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
}

func (r *recordingIndicator) Set(pos int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, pos)
}

func (r *recordingIndicator) Add(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var last int64
	if n := len(r.positions); n > 0 {
		last = r.positions[n-1]
	}
	r.positions = append(r.positions, last+delta)
}

func (r *recordingIndicator) SetMessage(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recordingIndicator) Finish(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = msg
}

type recordingProgress struct {
	indicators []*recordingIndicator
}

func (p *recordingProgress) NewIndicator(total int64, style BarStyle) Indicator {
	ind := &recordingIndicator{total: total}
	p.indicators = append(p.indicators, ind)
	return ind
}
