package profile

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"face-gallery-go/config"
	"face-gallery-go/internal/capture"
	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/integrations/facerecognition"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.RecognitionConfig {
	return config.RecognitionConfig{
		MaxDimension:  800,
		CaptureMargin: 20,
		JPEGQuality:   90,
		ImportWorkers: 2,
	}
}

func newTestService(t *testing.T) (*Service, *gallery.Store) {
	t.Helper()
	store := gallery.NewStore(filepath.Join(t.TempDir(), "faces"))
	svc := NewService(store, nil, nil, testConfig())
	t.Cleanup(svc.Close)
	return svc, store
}

func writePNG(t *testing.T, path string, w, h int, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func storedImage(t *testing.T, store *gallery.Store, identity string) image.Image {
	t.Helper()
	path, ok := store.ImagePath(identity)
	require.True(t, ok, "no image for %s", identity)
	img, err := imaging.Open(path)
	require.NoError(t, err)
	return img
}

func identities(t *testing.T, store *gallery.Store) []string {
	t.Helper()
	entries, err := store.List()
	require.NoError(t, err)
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Identity
	}
	return ids
}

func TestImportFile_LargeImageIsDownscaled(t *testing.T) {
	svc, store := newTestService(t)
	src := filepath.Join(t.TempDir(), "alice.png")
	writePNG(t, src, 2000, 2000, color.NRGBA{R: 200, G: 120, B: 80, A: 255})

	require.NoError(t, svc.ImportFile(src, "alice", AlwaysConfirm))

	assert.Equal(t, []string{"alice"}, identities(t, store))
	b := storedImage(t, store, "alice").Bounds()
	assert.LessOrEqual(t, b.Dx(), 800)
	assert.LessOrEqual(t, b.Dy(), 800)
	assert.Equal(t, b.Dx(), b.Dy())

	path, _ := store.ImagePath("alice")
	assert.Equal(t, ".jpg", filepath.Ext(path))
}

func TestImportFile_TransparencyIsFlattenedOnWhite(t *testing.T) {
	svc, store := newTestService(t)
	src := filepath.Join(t.TempDir(), "ghost.png")
	writePNG(t, src, 40, 40, color.NRGBA{})

	require.NoError(t, svc.ImportFile(src, "ghost", AlwaysConfirm))

	r, g, b, a := storedImage(t, store, "ghost").At(20, 20).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r, uint32(0xf000))
	assert.Greater(t, g, uint32(0xf000))
	assert.Greater(t, b, uint32(0xf000))
}

func TestImportFile_UnreadableFileIsDecodeFailure(t *testing.T) {
	svc, store := newTestService(t)
	src := filepath.Join(t.TempDir(), "broken.png")
	require.NoError(t, os.WriteFile(src, []byte("not an image"), 0644))

	err := svc.ImportFile(src, "broken", AlwaysConfirm)
	assert.ErrorIs(t, err, gallery.ErrDecodeFailure)
	assert.Empty(t, identities(t, store))
}

func TestImportFile_OverwriteRequiresConfirmation(t *testing.T) {
	svc, store := newTestService(t)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.png")
	second := filepath.Join(dir, "second.png")
	writePNG(t, first, 50, 50, color.NRGBA{R: 255, A: 255})
	writePNG(t, second, 60, 60, color.NRGBA{B: 255, A: 255})

	require.NoError(t, svc.ImportFile(first, "carol", AlwaysConfirm))
	before, err := store.ReadImage("carol")
	require.NoError(t, err)

	err = svc.ImportFile(second, "carol", NeverConfirm)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	after, err := store.ReadImage("carol")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	require.NoError(t, svc.ImportFile(second, "carol", AlwaysConfirm))
	assert.Equal(t, 60, storedImage(t, store, "carol").Bounds().Dx())
}

func TestCaptureFromLive_NoRegionLeavesGalleryUnchanged(t *testing.T) {
	svc, store := newTestService(t)
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))

	err := svc.CaptureFromLive("bob", frame, nil, 20, AlwaysConfirm)
	assert.ErrorIs(t, err, ErrNoFaceRegion)

	empty := image.Rectangle{}
	err = svc.CaptureFromLive("bob", frame, &empty, 20, AlwaysConfirm)
	assert.ErrorIs(t, err, ErrNoFaceRegion)

	assert.Empty(t, identities(t, store))
}

func TestCaptureFromLive_MarginIsClampedToFrame(t *testing.T) {
	svc, store := newTestService(t)
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))
	region := image.Rect(80, 80, 95, 95)

	require.NoError(t, svc.CaptureFromLive("bob", frame, &region, 20, AlwaysConfirm))

	b := storedImage(t, store, "bob").Bounds()
	assert.Equal(t, 40, b.Dx())
	assert.Equal(t, 40, b.Dy())
}

func TestCaptureFromLive_InvalidIdentity(t *testing.T) {
	svc, _ := newTestService(t)
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))
	region := image.Rect(10, 10, 50, 50)

	err := svc.CaptureFromLive("../evil", frame, &region, 20, AlwaysConfirm)
	assert.ErrorIs(t, err, gallery.ErrInvalidIdentity)
}

type stubFrames struct{ frame *capture.Frame }

func (s stubFrames) LastFrame() *capture.Frame { return s.frame }

type stubDetector struct{ regions []facerecognition.Region }

func (d stubDetector) Detect(context.Context, image.Image, facerecognition.Options) ([]facerecognition.Region, error) {
	return d.regions, nil
}

func TestCaptureFromCamera(t *testing.T) {
	store := gallery.NewStore(t.TempDir())
	frame := &capture.Frame{Image: image.NewRGBA(image.Rect(0, 0, 200, 200)), Seq: 1, CapturedAt: time.Now()}

	t.Run("uses first region", func(t *testing.T) {
		svc := NewService(store, stubFrames{frame}, stubDetector{[]facerecognition.Region{image.Rect(50, 50, 110, 110)}}, testConfig())
		defer svc.Close()

		require.NoError(t, svc.CaptureFromCamera(context.Background(), "dave", facerecognition.Options{}, AlwaysConfirm))
		assert.Equal(t, 100, storedImage(t, store, "dave").Bounds().Dx())
	})

	t.Run("no face", func(t *testing.T) {
		svc := NewService(store, stubFrames{frame}, stubDetector{}, testConfig())
		defer svc.Close()

		err := svc.CaptureFromCamera(context.Background(), "erin", facerecognition.Options{}, AlwaysConfirm)
		assert.ErrorIs(t, err, ErrNoFaceRegion)
		assert.False(t, store.Exists("erin"))
	})

	t.Run("no frame yet", func(t *testing.T) {
		svc := NewService(store, stubFrames{}, stubDetector{}, testConfig())
		defer svc.Close()

		err := svc.CaptureFromCamera(context.Background(), "erin", facerecognition.Options{}, AlwaysConfirm)
		assert.ErrorIs(t, err, ErrNoLiveFrame)
	})
}

func TestExportImport_RoundTrip(t *testing.T) {
	svc, store := newTestService(t)
	src := t.TempDir()
	for _, name := range []string{"alice", "bob", "carol"} {
		p := filepath.Join(src, name+".png")
		writePNG(t, p, 120, 90, color.NRGBA{G: 200, A: 255})
		require.NoError(t, svc.ImportFile(p, name, AlwaysConfirm))
	}

	past := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	alicePath, _ := store.ImagePath("alice")
	require.NoError(t, os.Chtimes(alicePath, past, past))

	exportDir := filepath.Join(t.TempDir(), "export")
	n, err := svc.ExportAll(exportDir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	info, err := os.Stat(filepath.Join(exportDir, "alice.jpg"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past))

	other, otherStore := newTestService(t)
	n, err = other.ImportDirectory(context.Background(), exportDir, AlwaysConfirm)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, identities(t, store), identities(t, otherStore))

	for _, id := range []string{"alice", "bob", "carol"} {
		assert.Equal(t, storedImage(t, store, id).Bounds(), storedImage(t, otherStore, id).Bounds())
	}
}

func TestExportAll_IntoGalleryDirIsRejected(t *testing.T) {
	svc, store := newTestService(t)
	src := filepath.Join(t.TempDir(), "alice.png")
	writePNG(t, src, 40, 40, color.NRGBA{G: 200, A: 255})
	require.NoError(t, svc.ImportFile(src, "alice", AlwaysConfirm))

	link := filepath.Join(t.TempDir(), "gallery-link")
	require.NoError(t, os.Symlink(store.Dir(), link))

	for _, dest := range []string{store.Dir(), store.Dir() + string(filepath.Separator), link} {
		n, err := svc.ExportAll(dest)
		assert.ErrorIs(t, err, ErrExportIntoGallery, dest)
		assert.Zero(t, n)
	}

	path, ok := store.ImagePath("alice")
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size(), "gallery image must survive")
	assert.Equal(t, image.Rect(0, 0, 40, 40), storedImage(t, store, "alice").Bounds())
}

func TestImportReader_ConcurrentUploadsOfNewIdentity(t *testing.T) {
	svc, store := newTestService(t)
	var buf bytes.Buffer
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	require.NoError(t, png.Encode(&buf, img))
	data := buf.Bytes()

	const uploads = 8
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		declined  atomic.Int32
	)
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := svc.ImportReader(bytes.NewReader(data), "alice", NeverConfirm)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrNotConfirmed):
				declined.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load(), "only the first upload may create the identity")
	assert.Equal(t, int32(uploads-1), declined.Load())
	assert.Equal(t, []string{"alice"}, identities(t, store))
}

func TestImportDirectory_SkipsFailures(t *testing.T) {
	svc, store := newTestService(t)
	src := t.TempDir()
	writePNG(t, filepath.Join(src, "good.png"), 30, 30, color.NRGBA{R: 10, A: 255})
	writePNG(t, filepath.Join(src, "UPPER.PNG"), 30, 30, color.NRGBA{R: 10, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(src, "corrupt.jpg"), []byte("garbage"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("hello"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(src, "nested.jpg"), 0755))

	n, err := svc.ImportDirectory(context.Background(), src, AlwaysConfirm)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"UPPER", "good"}, identities(t, store))
}

func TestImportDirectory_MissingSource(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ImportDirectory(context.Background(), filepath.Join(t.TempDir(), "nope"), AlwaysConfirm)
	assert.ErrorIs(t, err, gallery.ErrNotFound)
}

func TestRename_DeclinedOverwriteLeavesBothFiles(t *testing.T) {
	svc, store := newTestService(t)
	require.NoError(t, store.AddOrReplace("alice", []byte("alice-bytes")))
	require.NoError(t, store.AddOrReplace("bob", []byte("bob-bytes")))

	err := svc.Rename("alice", "bob", NeverConfirm)
	assert.ErrorIs(t, err, ErrNotConfirmed)

	a, err := store.ReadImage("alice")
	require.NoError(t, err)
	b, err := store.ReadImage("bob")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice-bytes"), a)
	assert.Equal(t, []byte("bob-bytes"), b)

	require.NoError(t, svc.Rename("alice", "bob", AlwaysConfirm))
	assert.Equal(t, []string{"bob"}, identities(t, store))
}

func TestDelete(t *testing.T) {
	svc, store := newTestService(t)
	require.NoError(t, store.AddOrReplace("alice", []byte("x")))

	var asked []Action
	record := ConfirmFunc(func(a Action, _ string) bool {
		asked = append(asked, a)
		return false
	})

	assert.ErrorIs(t, svc.Delete("alice", record), ErrNotConfirmed)
	assert.True(t, store.Exists("alice"))
	assert.Equal(t, []Action{ActionDelete}, asked)

	require.NoError(t, svc.Delete("alice", AlwaysConfirm))
	assert.False(t, store.Exists("alice"))

	assert.ErrorIs(t, svc.Delete("alice", AlwaysConfirm), gallery.ErrNotFound)
}
