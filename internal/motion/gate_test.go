package motion

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visiona/sentinel/internal/types"
)

const (
	testW = 100
	testH = 100
)

func testGate() *Gate {
	cfg := DefaultConfig()
	cfg.PixelStride = 1 // exact pixel counts in assertions
	return NewGate(cfg)
}

func blackFrame(seq uint64) *types.Frame {
	return &types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     testW,
		Height:    testH,
		Data:      make([]byte, testW*testH*3),
	}
}

// paintRows fills rows [from, to) with white pixels.
func paintRows(f *types.Frame, from, to int) {
	for y := from; y < to; y++ {
		for x := 0; x < f.Width; x++ {
			i := (y*f.Width + x) * 3
			f.Data[i], f.Data[i+1], f.Data[i+2] = 255, 255, 255
		}
	}
}

func TestLearningPhaseNeverReportsMotion(t *testing.T) {
	g := testGate()
	rng := rand.New(rand.NewSource(42))

	for seq := uint64(1); seq <= 100; seq++ {
		f := blackFrame(seq)
		rng.Read(f.Data) // arbitrary content, including wild deltas
		res, err := g.Process(f)
		require.NoError(t, err)
		assert.False(t, res.HasMotion, "frame %d reported motion during learning", seq)
	}
}

// 100 static frames, then one frame with a 5% pixel-area change at
// threshold 0.02: frame 101 is motion-positive.
func TestMotionAfterLearning(t *testing.T) {
	g := testGate()

	for seq := uint64(1); seq <= 100; seq++ {
		_, err := g.Process(blackFrame(seq))
		require.NoError(t, err)
	}
	assert.False(t, g.Learning())

	f := blackFrame(101)
	paintRows(f, 0, 5) // 5 of 100 rows = 5% of frame area

	res, err := g.Process(f)
	require.NoError(t, err)
	assert.True(t, res.HasMotion)
	assert.InDelta(t, 0.05, res.Confidence, 0.001)
}

func TestStaticSceneStaysQuiet(t *testing.T) {
	g := testGate()

	for seq := uint64(1); seq <= 120; seq++ {
		res, err := g.Process(blackFrame(seq))
		require.NoError(t, err)
		assert.False(t, res.HasMotion)
		assert.Zero(t, res.Confidence)
	}
}

func TestSubThresholdChangeIsNotMotion(t *testing.T) {
	g := testGate()

	for seq := uint64(1); seq <= 100; seq++ {
		_, err := g.Process(blackFrame(seq))
		require.NoError(t, err)
	}

	f := blackFrame(101)
	paintRows(f, 0, 1) // 1% of frame area, under the 2% threshold

	res, err := g.Process(f)
	require.NoError(t, err)
	assert.False(t, res.HasMotion)
	assert.InDelta(t, 0.01, res.Confidence, 0.001)
}

func TestResetReentersLearning(t *testing.T) {
	g := testGate()

	for seq := uint64(1); seq <= 150; seq++ {
		_, err := g.Process(blackFrame(seq))
		require.NoError(t, err)
	}

	g.Reset()
	assert.True(t, g.Learning())

	// Motion-sized change right after reset is absorbed, not reported.
	f := blackFrame(151)
	paintRows(f, 0, 50)
	res, err := g.Process(f)
	require.NoError(t, err)
	assert.False(t, res.HasMotion)
}

func TestBackgroundAdaptsToNewScene(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PixelStride = 1
	cfg.Alpha = 0.2 // faster adaptation for the test
	g := NewGate(cfg)

	for seq := uint64(1); seq <= 100; seq++ {
		_, err := g.Process(blackFrame(seq))
		require.NoError(t, err)
	}

	// A lit scene is motion at first, then absorbed into the model.
	var last types.MotionResult
	for seq := uint64(101); seq <= 160; seq++ {
		f := blackFrame(seq)
		paintRows(f, 0, testH)
		var err error
		last, err = g.Process(f)
		require.NoError(t, err)
		if seq == 101 {
			assert.True(t, last.HasMotion)
		}
	}
	assert.False(t, last.HasMotion, "static new scene should be absorbed into the background")
}

func TestResolutionChangeResetsModel(t *testing.T) {
	g := testGate()
	_, err := g.Process(blackFrame(1))
	require.NoError(t, err)

	small := &types.Frame{Width: 10, Height: 10, Data: make([]byte, 10*10*3)}
	res, err := g.Process(small)
	require.NoError(t, err)
	assert.False(t, res.HasMotion)
	assert.True(t, g.Learning())
}

func TestShortBufferRejected(t *testing.T) {
	g := testGate()
	_, err := g.Process(&types.Frame{Width: testW, Height: testH, Data: make([]byte, 10)})
	assert.Error(t, err)
}
