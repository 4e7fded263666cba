package somebuild

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const gnuOriginalURL = "https://ftp.gnu.org/gnu"

// Stream is an opened source body. Size is 0 when the length is unknown.
type Stream struct {
	Body io.ReadCloser
	Size int64
}

// Opener starts a transfer for one URL scheme.
type Opener interface {
	Open(ctx context.Context, rawURL string) (*Stream, error)
}

// Progress creates indicators on a shared surface.
type Progress interface {
	NewIndicator(total int64, style BarStyle) Indicator
}

func (r *Reporter) NewIndicator(total int64, style BarStyle) Indicator {
	return r.NewBar(total, style)
}

func newHttpClient(caFile string) (*http.Client, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil || rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}
	if caFile != "" {
		certs, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle %s: %w", caFile, err)
		}
		if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
			return nil, fmt.Errorf("failed to parse CA bundle %s", caFile)
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}
	// Slow mirrors need more than the default 10s handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second

	// No overall timeout: a transfer runs as long as bytes keep arriving.
	return &http.Client{Transport: transport}, nil
}

// HTTPOpener fetches http and https sources.
type HTTPOpener struct {
	Client *http.Client
}

func (o *HTTPOpener) Open(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	// The digest covers the archive bytes as published, never a
	// transparently decoded body.
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status: %s", resp.Status)
	}

	size := resp.ContentLength
	if size < 0 {
		size = 0
	}
	return &Stream{Body: resp.Body, Size: size}, nil
}

// applyGnuMirror swaps the canonical GNU host for the configured mirror.
func applyGnuMirror(originalURL, mirror string) string {
	if mirror != "" && strings.HasPrefix(originalURL, gnuOriginalURL) {
		return strings.Replace(originalURL, gnuOriginalURL, mirror, 1)
	}
	return originalURL
}

// archiveName returns the final path segment of rawURL.
func archiveName(rawURL string) (string, *url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, err
	}
	p := u.Path
	if u.Opaque != "" {
		p = u.Opaque
	}
	if p == "" {
		p = u.Host
	}
	if strings.HasSuffix(p, "/") {
		return "", u, nil
	}
	return strings.TrimSpace(path.Base(p)), u, nil
}

// tapReader folds every chunk into the digest and the transfer counter
// before handing it to the reader above it.
type tapReader struct {
	r     io.Reader
	hash  io.Writer
	state *TransferState

	mu  sync.Mutex
	err error
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.hash.Write(p[:n])
		t.state.Advance(n)
	}
	if err != nil && err != io.EOF {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	return n, err
}

// transportErr is the first non-EOF error returned by the source body.
func (t *tapReader) transportErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Extracted describes a completed fetch-verify-extract run.
type Extracted struct {
	Archive    string
	Format     ArchiveFormat
	SourceRoot string
	Digest     string
	Bytes      int64
}

// Fetcher runs the streaming fetch-verify-extract pipeline.
type Fetcher struct {
	Openers   map[string]Opener
	Progress  Progress
	Log       *Logger
	Integrity IntegrityPolicy
	GNUMirror string
}

// FetchAndExtract streams the manifest's source through the hash tap, the
// codec for its suffix and the tar unpacker into outputDir, then compares
// the digest. Nothing is buffered beyond the codec windows.
func (f *Fetcher) FetchAndExtract(ctx context.Context, m *Manifest, outputDir string) (*Extracted, error) {
	sourceURL := m.Source.URL
	filename, u, err := archiveName(sourceURL)
	if err != nil {
		return nil, manifestError("invalid source url "+sourceURL, err)
	}
	format, base, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}

	opener, ok := f.Openers[u.Scheme]
	if !ok {
		return nil, networkError("failed to fetch "+sourceURL, fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
	finalURL := applyGnuMirror(sourceURL, f.GNUMirror)
	if finalURL != sourceURL {
		f.Log.Notef("Using GNU mirror: %s", f.GNUMirror)
	}

	bar := f.indicator()
	label := m.FullName()
	bar.SetMessage("Starting " + label)

	stream, err := opener.Open(ctx, finalURL)
	if err != nil {
		bar.Finish("Failed downloading " + label)
		return nil, networkError("failed to fetch "+finalURL, err)
	}
	defer stream.Body.Close()

	bar.SetTotal(stream.Size)
	bar.SetMessage("Downloading " + label)

	verifier := NewVerifier()
	state := NewTransferState(stream.Size, bar)
	tap := &tapReader{r: stream.Body, hash: verifier, state: state}

	if err := f.extract(tap, format, outputDir); err != nil {
		bar.Finish("Failed downloading " + label)
		return nil, err
	}

	// Trailing tar padding and compressed frames past the end-of-archive
	// marker still belong to the digest.
	if _, err := io.Copy(io.Discard, tap); err != nil {
		bar.Finish("Failed downloading " + label)
		return nil, networkError("failed reading "+finalURL, err)
	}

	res := &Extracted{
		Archive:    filename,
		Format:     format,
		SourceRoot: filepath.Join(outputDir, base),
		Digest:     verifier.Digest(),
		Bytes:      state.Consumed(),
	}
	f.Log.Notef("Extract Folder:\t%s", base)

	if err := verifier.Verify(sourceURL, m.Source.Hash); err != nil {
		if f.Integrity != IntegrityWarn {
			bar.Finish("Failed downloading " + label)
			return res, err
		}
		f.Log.Warnf("%v (continuing, integrity policy is %q)", err, f.Integrity)
	}

	bar.Finish("Finished downloading " + label)
	return res, nil
}

func (f *Fetcher) extract(tap *tapReader, format ArchiveFormat, outputDir string) error {
	dec, err := format.NewDecoder(tap)
	if err != nil {
		if terr := tap.transportErr(); terr != nil {
			return networkError("failed reading source", terr)
		}
		return extractionError("failed to create "+format.Name+" reader", err)
	}

	err = unpackTar(dec, outputDir, f.Log)
	if cerr := dec.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil {
		return nil
	}
	if terr := tap.transportErr(); terr != nil {
		return networkError("failed reading source", terr)
	}
	return extractionError("cannot unpack archive", err)
}

func (f *Fetcher) indicator() Indicator {
	if f.Progress == nil {
		return nopIndicator{}
	}
	return f.Progress.NewIndicator(0, StyleDownload)
}

type nopIndicator struct{}

func (nopIndicator) SetTotal(int64)    {}
func (nopIndicator) Set(int64)         {}
func (nopIndicator) Add(int64)         {}
func (nopIndicator) SetMessage(string) {}
func (nopIndicator) Finish(string)     {}
