package annotate

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

func testGroups() policy.Groups {
	return policy.MustGroups(map[string][]int{
		policy.GroupSuspicious: {0, 1},
		policy.GroupAllowed:    {2, 3, 4},
	})
}

func blankFrame(t *testing.T, w, h int) types.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return types.Frame{Image: img, JPEG: buf.Bytes(), Seq: 1, Width: w, Height: h}
}

func TestVisibleByMode(t *testing.T) {
	dets := []types.Detection{{ClassID: 0}, {ClassID: 3}, {ClassID: 9}}

	all, err := New(testGroups(), ModeAll, 80)
	require.NoError(t, err)
	assert.Len(t, all.Visible(dets), 3)

	grouped, err := New(testGroups(), ModeGrouped, 80)
	require.NoError(t, err)
	assert.Len(t, grouped.Visible(dets), 2)

	_, err = New(testGroups(), "fancy", 80)
	assert.Error(t, err)
}

func TestColorByGroup(t *testing.T) {
	a, err := New(testGroups(), ModeAll, 80)
	require.NoError(t, err)
	assert.Equal(t, colorSuspicious, a.ColorFor(1))
	assert.Equal(t, colorAllowed, a.ColorFor(4))
	assert.Equal(t, colorOther, a.ColorFor(42))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "knife 0.87", Label(types.Detection{ClassName: "knife", Confidence: 0.874}))
	assert.Equal(t, "class_5 0.50", Label(types.Detection{ClassID: 5, Confidence: 0.5}))
}

func TestAnnotateDrawsBoxEdge(t *testing.T) {
	a, err := New(testGroups(), ModeAll, 90)
	require.NoError(t, err)

	frame := blankFrame(t, 200, 200)
	out := a.Annotate(frame.Image, []types.Detection{{
		ClassID: 0, ClassName: "knife", Confidence: 0.9,
		Box: types.BoundingBox{X1: 50, Y1: 80, X2: 150, Y2: 160},
	}})

	// left edge of the box carries the suspicious colour
	r, g, _, _ := out.At(50, 120).RGBA()
	assert.Greater(t, r>>8, uint32(150))
	assert.Less(t, g>>8, uint32(100))

	// the source image is untouched
	assert.Equal(t, color.RGBA{}, frame.Image.(*image.RGBA).RGBAAt(50, 120))
}

func TestRenderPassThroughWithoutDetections(t *testing.T) {
	a, err := New(testGroups(), ModeGrouped, 80)
	require.NoError(t, err)

	frame := blankFrame(t, 32, 32)
	out, err := a.Render(frame, []types.Detection{{ClassID: 9}})
	require.NoError(t, err)
	assert.Equal(t, frame.JPEG, out)
}

func TestRenderEncodesJPEG(t *testing.T) {
	a, err := New(testGroups(), ModeAll, 80)
	require.NoError(t, err)

	frame := blankFrame(t, 64, 48)
	out, err := a.Render(frame, []types.Detection{{ClassID: 2, Box: types.BoundingBox{X1: 4, Y1: 20, X2: 30, Y2: 40}}})
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}
