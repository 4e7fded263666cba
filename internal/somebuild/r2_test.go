package somebuild

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestR2Key(t *testing.T) {
	tests := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{url: "r2://pkg-1.0.tar.zst", want: "pkg-1.0.tar.zst"},
		{url: "r2://sources/gnu/make-4.4.tar.gz", want: "sources/gnu/make-4.4.tar.gz"},
		{url: "r2://", wantErr: true},
		{url: "https://example.org/pkg.tar.gz", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, err := r2Key(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewR2ClientMissingCredentials(t *testing.T) {
	cfg := &Config{Values: map[string]string{"R2_ACCOUNT_ID": "acc"}}
	cfg.resolve()

	_, err := NewR2Client(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "R2 credentials missing")
}

func TestR2OpenerStreamsObject(t *testing.T) {
	archive := compress(t, FormatZstd, sourceTree(t, "pkg-1.0"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/sources/pkg-1.0.tar.zst" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		w.Write(archive)
	}))
	defer srv.Close()

	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	cfg := &Config{Values: map[string]string{
		"R2_ENDPOINT":          srv.URL,
		"R2_ACCESS_KEY_ID":     "key",
		"R2_SECRET_ACCESS_KEY": "secret",
		"R2_BUCKET_NAME":       "sources",
	}}
	cfg.resolve()

	f := &Fetcher{
		Openers:   map[string]Opener{"r2": &R2Opener{Config: cfg}},
		Integrity: IntegrityFatal,
	}
	out := t.TempDir()

	res, err := f.FetchAndExtract(context.Background(), testManifest("r2://pkg-1.0.tar.zst", blake3Hex(archive)), out)
	require.NoError(t, err)
	assert.Equal(t, FormatZstd.Name, res.Format.Name)
	assert.Equal(t, int64(len(archive)), res.Bytes)
	assert.FileExists(t, res.SourceRoot+"/README")
}
