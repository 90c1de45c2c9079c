package capture

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"face-gallery-go/internal/gallery"
	"face-gallery-go/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	index  int
	fail   bool
	reads  atomic.Int64
	closed atomic.Bool
}

func (d *fakeDevice) Read() (image.Image, bool) {
	if d.closed.Load() {
		panic("read after close")
	}
	d.reads.Add(1)
	if d.fail {
		return nil, false
	}
	return image.NewGray(image.Rect(0, 0, 8, 8)), true
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeCameras struct {
	mu      sync.Mutex
	opened  []*fakeDevice
	missing map[int]bool
	failing bool
}

func (c *fakeCameras) open(index int) (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missing[index] {
		return nil, errors.New("no such device")
	}
	d := &fakeDevice{index: index, fail: c.failing}
	c.opened = append(c.opened, d)
	return d, nil
}

func (c *fakeCameras) last() *fakeDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[len(c.opened)-1]
}

type fixedSettings settings.Settings

func (s fixedSettings) Get() settings.Settings { return settings.Settings(s) }

func fastSettings(rate int) fixedSettings {
	s := settings.Defaults()
	s.DetectionInterval = settings.MinDetectionInterval
	s.SampleRate = rate
	return fixedSettings(s)
}

func TestSession_CloseWithoutOpen(t *testing.T) {
	s := NewSession((&fakeCameras{}).open)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	frame, ok := s.ReadFrame()
	assert.False(t, ok)
	assert.Nil(t, frame)
	assert.Equal(t, -1, s.Index())
}

func TestSession_OpenReleasesPreviousDevice(t *testing.T) {
	cams := &fakeCameras{}
	s := NewSession(cams.open)

	require.NoError(t, s.Open(0))
	first := cams.last()
	require.NoError(t, s.Open(1))

	assert.True(t, first.closed.Load())
	assert.False(t, cams.last().closed.Load())
	assert.Equal(t, 1, s.Index())

	f1, ok := s.ReadFrame()
	require.True(t, ok)
	f2, ok := s.ReadFrame()
	require.True(t, ok)
	assert.Greater(t, f2.Seq, f1.Seq)

	require.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
}

func TestSession_OpenFailureIsDeviceUnavailable(t *testing.T) {
	cams := &fakeCameras{missing: map[int]bool{3: true}}
	s := NewSession(cams.open)

	err := s.Open(3)
	assert.ErrorIs(t, err, gallery.ErrDeviceUnavailable)
	assert.False(t, s.IsOpen())
}

func TestSession_ReadFailureReturnsFalse(t *testing.T) {
	cams := &fakeCameras{failing: true}
	s := NewSession(cams.open)
	require.NoError(t, s.Open(0))

	_, ok := s.ReadFrame()
	assert.False(t, ok)
}

func TestMonitor_StopReleasesDevice(t *testing.T) {
	cams := &fakeCameras{}
	var handled atomic.Int64
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {
		handled.Add(1)
	}), fastSettings(1))

	require.NoError(t, m.Start(context.Background(), 0))
	assert.ErrorIs(t, m.Start(context.Background(), 0), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return handled.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	dev := cams.last()
	assert.True(t, dev.closed.Load())
	assert.False(t, m.Running())

	after := handled.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, handled.Load())
}

func TestMonitor_StopDiscardsLastFrame(t *testing.T) {
	cams := &fakeCameras{}
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {}), fastSettings(1))

	require.NoError(t, m.Start(context.Background(), 0))
	require.Eventually(t, func() bool { return m.LastFrame() != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	assert.Nil(t, m.LastFrame(), "a stopped camera must not serve a stale frame")
}

func TestMonitor_SampleRate(t *testing.T) {
	cams := &fakeCameras{}
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {}), fastSettings(3))

	require.NoError(t, m.Start(context.Background(), 0))
	require.Eventually(t, func() bool { return m.Stats().FramesRead >= 9 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	stats := m.Stats()
	assert.Equal(t, (stats.FramesRead+2)/3, stats.FramesProcessed)
	assert.Equal(t, stats.FramesRead, stats.FramesProcessed+stats.FramesSkipped)
}

func TestMonitor_ReadFailuresAreCounted(t *testing.T) {
	cams := &fakeCameras{failing: true}
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {
		t.Error("handler must not be called without frames")
	}), fastSettings(1))

	require.NoError(t, m.Start(context.Background(), 0))
	require.Eventually(t, func() bool { return m.Stats().ReadFailures >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())

	assert.Nil(t, m.LastFrame())
	assert.Zero(t, m.Stats().FramesRead)
}

func TestMonitor_StartFailureLeavesMonitorStopped(t *testing.T) {
	cams := &fakeCameras{missing: map[int]bool{0: true}}
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {}), fastSettings(1))

	err := m.Start(context.Background(), 0)
	assert.ErrorIs(t, err, gallery.ErrDeviceUnavailable)
	assert.False(t, m.Running())
	assert.NoError(t, m.Stop())
}

func TestMonitor_HandlerPanicDoesNotStopLoop(t *testing.T) {
	cams := &fakeCameras{}
	var calls atomic.Int64
	m := NewMonitor(NewSession(cams.open), FrameHandlerFunc(func(context.Context, *Frame) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}), fastSettings(1))

	require.NoError(t, m.Start(context.Background(), 0))
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop())
}
