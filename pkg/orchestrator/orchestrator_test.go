package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"hash/crc32"
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/fetcher"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource serves a small PNG for every ref unless a behavior is set.
type fakeSource struct {
	calls    atomic.Int64
	behavior map[string]func(ctx context.Context) ([]byte, error)
	payload  []byte
}

func (s *fakeSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.calls.Add(1)
	if fn, ok := s.behavior[ref]; ok {
		return fn(ctx)
	}
	return s.payload, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// oversizedPNG is a valid PNG header declaring w x h pixels with no data.
func oversizedPNG(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	chunk := func(typ string, data []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		body := append([]byte(typ), data...)
		buf.Write(body)
		_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(body))
	}
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:], w)
	binary.BigEndian.PutUint32(ihdr[4:], h)
	ihdr[8], ihdr[9] = 8, 2
	chunk("IHDR", ihdr)
	chunk("IEND", nil)
	return buf.Bytes()
}

func setup(t *testing.T, src Source, timeout time.Duration) (*Orchestrator, pathscheme.Scheme) {
	t.Helper()
	return setupWorkers(t, src, timeout, 4)
}

func setupWorkers(t *testing.T, src Source, timeout time.Duration, workers int) (*Orchestrator, pathscheme.Scheme) {
	t.Helper()
	root := t.TempDir()
	cfg := models.DefaultConfig()
	cfg.Workers = workers
	cfg.FetchTimeout = timeout
	cfg.MinSize = 16
	cfg.Resize = models.ResizeConfig{}
	scheme := pathscheme.New(filepath.Join(root, "cache_db"), filepath.Join(root, "cache"), "png")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	o := New(cfg, src, scheme, WithLogger(logger))
	t.Cleanup(o.Close)
	return o, scheme
}

func records(categories ...string) []models.Record {
	out := make([]models.Record, len(categories))
	for i, c := range categories {
		out[i] = models.Record{Index: i, Category: c, SourceRef: fmt.Sprintf("src-%d", i)}
	}
	return out
}

func TestFetchAll_Idempotent(t *testing.T) {
	src := &fakeSource{payload: pngBytes(t, 10, 6)}
	o, _ := setup(t, src, time.Second)
	recs := records("a", "a", "b")

	first, err := o.FetchAll(context.Background(), recs)
	if err != nil {
		t.Fatalf("first FetchAll: %v", err)
	}
	if first.Fetched != 3 || src.calls.Load() != 3 {
		t.Fatalf("first pass fetched=%d calls=%d, want 3/3", first.Fetched, src.calls.Load())
	}

	second, err := o.FetchAll(context.Background(), recs)
	if err != nil {
		t.Fatalf("second FetchAll: %v", err)
	}
	if got := src.calls.Load(); got != 3 {
		t.Errorf("second pass made %d source calls, want 0", got-3)
	}
	if second.Cached != 3 {
		t.Errorf("Cached = %d, want 3", second.Cached)
	}

	paths := func(b Batch) []string {
		var out []string
		for _, r := range b.Records {
			out = append(out, r.LocalPath)
		}
		return out
	}
	if diff := cmp.Diff(paths(first), paths(second)); diff != "" {
		t.Errorf("paths changed between passes (-first +second):\n%s", diff)
	}
}

func TestFetchAll_CanonicalShape(t *testing.T) {
	src := &fakeSource{payload: pngBytes(t, 10, 6)}
	o, _ := setup(t, src, time.Second)

	batch, err := o.FetchAll(context.Background(), records("a"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := imageproc.DecodeConfigFile(batch.Records[0].LocalPath)
	if err != nil {
		t.Fatalf("decode cached image: %v", err)
	}
	if cfg.Width != 16 || cfg.Height != 16 {
		t.Errorf("cached image is %dx%d, want 16x16", cfg.Width, cfg.Height)
	}
}

func TestFetchAll_PartialFailureIsolation(t *testing.T) {
	src := &fakeSource{
		payload: pngBytes(t, 4, 4),
		behavior: map[string]func(ctx context.Context) ([]byte, error){
			"src-5": func(ctx context.Context) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	o, _ := setup(t, src, 100*time.Millisecond)
	recs := records("c", "c", "c", "c", "c", "c", "c", "c", "c", "c")

	batch, err := o.FetchAll(context.Background(), recs)
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	var got []int
	for _, r := range batch.Records {
		got = append(got, r.Index)
	}
	want := []int{0, 1, 2, 3, 4, 6, 7, 8, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("surviving indices (-want +got):\n%s", diff)
	}
	if batch.Failed != 1 || len(batch.Failures) != 1 {
		t.Fatalf("Failed = %d, failures = %d, want 1", batch.Failed, len(batch.Failures))
	}
	if f := batch.Failures[0]; f.Index != 5 || f.ErrorType != "timeout" {
		t.Errorf("failure = %+v, want index 5 timeout", f)
	}
}

func TestFetchAll_ScenarioUnreachableMiddleRecord(t *testing.T) {
	src := &fakeSource{
		payload: pngBytes(t, 8, 8),
		behavior: map[string]func(ctx context.Context) ([]byte, error){
			"src-1": func(context.Context) ([]byte, error) {
				return nil, fmt.Errorf("%w: connection refused", fetcher.ErrNetwork)
			},
		},
	}
	o, scheme := setup(t, src, time.Second)

	batch, err := o.FetchAll(context.Background(), records("A", "A", "B"))
	if err != nil {
		t.Fatal(err)
	}

	want := []string{
		filepath.Join(scheme.ImageRoot, "A", "0_0.png"),
		filepath.Join(scheme.ImageRoot, "B", "2_0.png"),
	}
	var got []string
	for _, r := range batch.Records {
		got = append(got, r.LocalPath)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if batch.Failures[0].ErrorType != "network_error" {
		t.Errorf("error type = %q, want network_error", batch.Failures[0].ErrorType)
	}
}

func TestFetchAll_FailureTaxonomy(t *testing.T) {
	tests := []struct {
		name     string
		behavior func(context.Context) ([]byte, error)
		wantType string
		wantErr  error
	}{
		{
			name:     "undecodable payload",
			behavior: func(context.Context) ([]byte, error) { return []byte("<html>not an image</html>"), nil },
			wantType: "invalid_reference",
			wantErr:  fetcher.ErrInvalidReference,
		},
		{
			name:     "header declares too many pixels",
			behavior: func(context.Context) ([]byte, error) { return oversizedPNG(60000, 60000), nil },
			wantType: "invalid_reference",
			wantErr:  imageproc.ErrTooLarge,
		},
		{
			name:     "panicking source",
			behavior: func(context.Context) ([]byte, error) { panic("boom") },
			wantType: "unknown_error",
			wantErr:  fetcher.ErrUnknown,
		},
		{
			name:     "unclassified error",
			behavior: func(context.Context) ([]byte, error) { return nil, errors.New("weird") },
			wantType: "unknown_error",
			wantErr:  fetcher.ErrUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{behavior: map[string]func(context.Context) ([]byte, error){"src-0": tt.behavior}}
			o, _ := setup(t, src, time.Second)

			batch, err := o.FetchAll(context.Background(), records("x"))
			if err != nil {
				t.Fatal(err)
			}
			if len(batch.Records) != 0 {
				t.Fatalf("kept %d records, want 0", len(batch.Records))
			}
			res := batch.Results[0]
			if res.ErrorType != tt.wantType {
				t.Errorf("ErrorType = %q, want %q", res.ErrorType, tt.wantType)
			}
			if !errors.Is(res.Err, tt.wantErr) {
				t.Errorf("Err = %v, want %v", res.Err, tt.wantErr)
			}
		})
	}
}

func TestFetchAll_AfterClose(t *testing.T) {
	o, _ := setup(t, &fakeSource{}, time.Second)
	o.Close()

	if _, err := o.FetchAll(context.Background(), records("a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestFetchAll_OversizedImageDropsOnlyItsRecord(t *testing.T) {
	src := &fakeSource{
		payload: pngBytes(t, 8, 8),
		behavior: map[string]func(ctx context.Context) ([]byte, error){
			"src-1": func(context.Context) ([]byte, error) { return oversizedPNG(60000, 60000), nil },
		},
	}
	o, _ := setup(t, src, time.Second)

	batch, err := o.FetchAll(context.Background(), records("a", "a", "b"))
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if batch.Fetched != 2 || batch.Failed != 1 {
		t.Fatalf("fetched=%d failed=%d, want 2/1", batch.Fetched, batch.Failed)
	}
	if f := batch.Failures[0]; f.Index != 1 || f.ErrorType != "invalid_reference" {
		t.Errorf("failure = %+v, want index 1 invalid_reference", f)
	}
}

// gatedSource blocks every Fetch until release is closed and tracks the
// largest number of concurrent calls.
type gatedSource struct {
	payload []byte
	release chan struct{}

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *gatedSource) Fetch(ctx context.Context, _ string) ([]byte, error) {
	s.mu.Lock()
	s.inFlight++
	s.peak = max(s.peak, s.inFlight)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	select {
	case <-s.release:
		return s.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatedSource) current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func TestFetchAll_WorkerCeiling(t *testing.T) {
	const workers = 3
	src := &gatedSource{payload: pngBytes(t, 4, 4), release: make(chan struct{})}
	o, _ := setupWorkers(t, src, 5*time.Second, workers)

	recs := make([]models.Record, 20)
	for i := range recs {
		recs[i] = models.Record{Index: i, Category: "c", SourceRef: fmt.Sprintf("src-%d", i)}
	}

	done := make(chan Batch, 1)
	go func() {
		batch, err := o.FetchAll(context.Background(), recs)
		if err != nil {
			t.Errorf("FetchAll: %v", err)
		}
		done <- batch
	}()

	deadline := time.Now().Add(2 * time.Second)
	for src.current() < workers {
		if time.Now().After(deadline) {
			t.Fatalf("only %d fetches started, want %d", src.current(), workers)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give a fourth unit the chance to start if the pool were unbounded.
	time.Sleep(50 * time.Millisecond)
	close(src.release)

	batch := <-done
	if batch.Fetched != len(recs) {
		t.Fatalf("Fetched = %d, want %d", batch.Fetched, len(recs))
	}
	src.mu.Lock()
	peak := src.peak
	src.mu.Unlock()
	if peak != workers {
		t.Errorf("peak concurrent fetches = %d, want %d", peak, workers)
	}
}

func TestFetchAll_ReusesPool(t *testing.T) {
	src := &fakeSource{payload: pngBytes(t, 4, 4)}
	o, _ := setupWorkers(t, src, time.Second, 3)

	if _, err := o.FetchAll(context.Background(), records("a", "a", "a", "a")); err != nil {
		t.Fatal(err)
	}
	base := runtime.NumGoroutine()

	recs := records("b", "b", "b", "b", "b", "b", "b", "b")
	for i := range recs {
		recs[i].Index += 100
	}
	if _, err := o.FetchAll(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	// Per-call retrieval goroutines may still be exiting; workers must not grow.
	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines grew from %d to %d across batches", base, runtime.NumGoroutine())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := src.calls.Load(); got != 12 {
		t.Errorf("source calls = %d, want 12", got)
	}
}
