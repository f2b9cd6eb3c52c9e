package artifacts

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memMirror struct {
	objects map[string][]byte
}

func (m *memMirror) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	m.objects[key] = data
	return "mem://" + key, nil
}

func (m *memMirror) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func newTestStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return New(Paths{
		SessionDir:    filepath.Join(root, "sessions"),
		TraceDir:      filepath.Join(root, "traces"),
		ScreenshotDir: filepath.Join(root, "logs", "screenshots"),
	}, opts...), root
}

func TestPathDerivationIsPure(t *testing.T) {
	st, root := newTestStore(t)

	assert.Equal(t, filepath.Join(root, "sessions", "default"), st.SessionDir("default"))
	assert.Equal(t, filepath.Join(root, "traces", "guard_1.zip"), st.TracePath("guard_1"))
	assert.Equal(t, filepath.Join(root, "logs", "screenshots", "guard_1"), st.ScreenshotDir("guard_1"))
	assert.Equal(t, st.TracePath("guard_1"), st.TracePath("guard_1"))

	_, err := os.Stat(filepath.Join(root, "sessions"))
	assert.True(t, os.IsNotExist(err), "deriving paths must not create directories")
}

func TestSafeKeyBlocksTraversal(t *testing.T) {
	assert.Equal(t, "_", SafeKey(".."))
	assert.Equal(t, "_", SafeKey(""))
	assert.Equal(t, "_etc_passwd", SafeKey("/etc/passwd"))
	assert.Equal(t, "a_b", SafeKey("a/b"))
	assert.Equal(t, "guard_TEBP602893_20250101_120000", SafeKey("guard_TEBP602893_20250101_120000"))
}

func TestOpenTraceMissing(t *testing.T) {
	st, _ := newTestStore(t)
	_, _, err := st.OpenTrace(context.Background(), "unknown-id")
	require.ErrorIs(t, err, ErrNotFound)
	assert.False(t, st.HasTrace("unknown-id"))
}

func TestOpenTraceLocal(t *testing.T) {
	st, _ := newTestStore(t)
	require.NoError(t, st.Prepare("default", "t1"))
	require.NoError(t, os.WriteFile(st.TracePath("t1"), []byte("zipdata"), 0o644))

	rc, size, err := st.OpenTrace(context.Background(), "t1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "zipdata", string(data))
	assert.Equal(t, int64(7), size)
}

func TestPublishAndMirrorFallback(t *testing.T) {
	mirror := &memMirror{objects: map[string][]byte{}}
	st, _ := newTestStore(t, WithMirror(mirror))
	require.NoError(t, st.Prepare("default", "t1"))

	require.NoError(t, st.PublishTrace(context.Background(), "t1"), "missing trace is not an error")
	assert.Empty(t, mirror.objects)

	require.NoError(t, os.WriteFile(st.TracePath("t1"), []byte("zipdata"), 0o644))
	require.NoError(t, st.PublishTrace(context.Background(), "t1"))
	assert.Equal(t, []byte("zipdata"), mirror.objects["traces/t1.zip"])

	require.NoError(t, os.Remove(st.TracePath("t1")))
	rc, _, err := st.OpenTrace(context.Background(), "t1")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "zipdata", string(data))
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestScreenshotsAndThumbnail(t *testing.T) {
	st, _ := newTestStore(t)
	_, err := st.Screenshots("t1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.Prepare("default", "t1"))
	dir := st.ScreenshotDir("t1")
	writePNG(t, filepath.Join(dir, "02_before_login.png"), 40, 20)
	writePNG(t, filepath.Join(dir, "01_login_page.png"), 40, 20)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	names, err := st.Screenshots("t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"01_login_page.png", "02_before_login.png"}, names)

	_, err = st.ScreenshotPath("t1", "../t1/01_login_page.png")
	require.ErrorIs(t, err, ErrNotFound)

	thumb, err := st.Thumbnail("t1", "01_login_page.png", 10)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())
}
