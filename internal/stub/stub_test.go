package stub

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskcreator/internal/control"
	"maskcreator/internal/ipc"
	"maskcreator/internal/logging"
	"maskcreator/internal/rest"
	"maskcreator/internal/segment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func decodeGray(t *testing.T, data []byte) *image.Gray {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	g, ok := img.(*image.Gray)
	require.True(t, ok, "mask should be grayscale, got %T", img)
	return g
}

func newStub() *Segmenter {
	return New(Config{ProcDir: "/data", DetectionPrompt: "cat. dog.", Logger: logging.Discard()})
}

func TestStartupArgs(t *testing.T) {
	assert.Equal(t, segment.StartupArgs{ProcDir: "/data", DetectionPrompt: "cat. dog."}, newStub().StartupArgs())
}

func TestGenerateMasksPoints(t *testing.T) {
	masks, err := newStub().GenerateMasks(segment.MasksRequest{
		Image:  testImage(t, 64, 64),
		Points: []*control.Point{control.NewPoint(20, 32, true), control.NewPoint(28, 32, false)},
	})
	require.NoError(t, err)
	require.Len(t, masks, 3)
	assert.Equal(t, []float64{0.874, 0.962, 0.913}, []float64{masks[0].Score, masks[1].Score, masks[2].Score})

	largest := decodeGray(t, masks[2].PNG)
	assert.Equal(t, image.Rect(0, 0, 64, 64), largest.Bounds())
	assert.Equal(t, uint8(255), largest.GrayAt(8, 32).Y, "inside the positive disk")
	assert.Equal(t, uint8(0), largest.GrayAt(28, 32).Y, "negative point is cut out")
	assert.Equal(t, uint8(0), largest.GrayAt(60, 60).Y, "far from every point")
}

func TestGenerateMasksBox(t *testing.T) {
	masks, err := newStub().GenerateMasks(segment.MasksRequest{
		Image: testImage(t, 64, 64),
		Box:   control.NewBox(40, 30, 10, 10),
	})
	require.NoError(t, err)
	require.Len(t, masks, 3)

	m := decodeGray(t, masks[0].PNG)
	assert.Equal(t, uint8(255), m.GrayAt(20, 20).Y)
	assert.Equal(t, uint8(0), m.GrayAt(5, 5).Y)
	assert.Equal(t, uint8(0), m.GrayAt(45, 20).Y)
}

func TestGenerateMasksBoxClipsPoints(t *testing.T) {
	masks, err := newStub().GenerateMasks(segment.MasksRequest{
		Image:  testImage(t, 64, 64),
		Points: []*control.Point{control.NewPoint(48, 32, true)},
		Box:    control.NewBox(0, 0, 32, 64),
	})
	require.NoError(t, err)

	m := decodeGray(t, masks[1].PNG)
	assert.Equal(t, uint8(0), m.GrayAt(48, 32).Y)
	assert.Equal(t, uint8(255), m.GrayAt(16, 32).Y)
}

func TestGenerateMasksRejectsBadRequests(t *testing.T) {
	s := newStub()

	_, err := s.GenerateMasks(segment.MasksRequest{Image: testImage(t, 8, 8)})
	assert.ErrorIs(t, err, segment.ErrValidation)

	_, err = s.GenerateMasks(segment.MasksRequest{
		Image:  []byte("not an image"),
		Points: []*control.Point{control.NewPoint(1, 1, true)},
	})
	assert.ErrorIs(t, err, segment.ErrValidation)
}

func TestGenerateBoxLayers(t *testing.T) {
	layers, err := newStub().GenerateBoxLayers(testImage(t, 200, 100), "cat. dog.")
	require.NoError(t, err)
	require.Len(t, layers, 2)

	assert.Equal(t, "cat", layers[0].Caption)
	assert.Equal(t, "dog", layers[1].Caption)
	for _, l := range layers {
		assert.Equal(t, 200, l.Width)
		assert.Equal(t, 100, l.Height)
		assert.True(t, l.X1 < l.X2 && l.Y1 < l.Y2)
		require.Len(t, l.Masks, 2)
		assert.Greater(t, l.Masks[0].Score, l.Masks[1].Score)
	}
	assert.LessOrEqual(t, layers[0].X2, 100)
	assert.GreaterOrEqual(t, layers[1].X1, 100)

	oval := decodeGray(t, layers[1].Masks[0].PNG)
	cx, cy := (layers[1].X1+layers[1].X2)/2, (layers[1].Y1+layers[1].Y2)/2
	assert.Equal(t, uint8(255), oval.GrayAt(cx, cy).Y)
	assert.Equal(t, uint8(0), oval.GrayAt(layers[1].X1, layers[1].Y1).Y, "ellipse leaves the corners empty")
}

func TestGenerateBoxLayersEmptyPrompt(t *testing.T) {
	layers, err := newStub().GenerateBoxLayers(testImage(t, 32, 32), " . ")
	require.NoError(t, err)
	assert.Empty(t, layers)
}

func TestCaptions(t *testing.T) {
	assert.Equal(t, []string{"cat", "red car"}, Captions("cat. red car ."))
	assert.Equal(t, []string{"person"}, Captions("person"))
	assert.Nil(t, Captions(""))
}

func TestOverBinaryTransport(t *testing.T) {
	cfg := ipc.DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = logging.Discard()
	srv := ipc.NewServer(cfg, newStub())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	ccfg := ipc.DefaultClientConfig()
	ccfg.Port = srv.Addr().(*net.TCPAddr).Port
	ccfg.Logger = logging.Discard()
	ccfg.RequestTimeout = 5 * time.Second

	var statuses []string
	svc := segment.NewService(ipc.NewClient(ccfg), segment.ServiceConfig{
		Logger: logging.Discard(),
		Status: func(msg string) { statuses = append(statuses, msg) },
	})
	defer svc.Close()
	ctx := context.Background()

	args, err := svc.StartupArgs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data", args.ProcDir)

	masks, err := svc.GenerateMasks(ctx, testImage(t, 64, 64), []*control.Point{control.NewPoint(32, 32, true)}, nil)
	require.NoError(t, err)
	require.Len(t, masks, 3)
	assert.InDelta(t, 0.962, masks[1].Score, 1e-6)
	assert.Contains(t, statuses, "Generated 3 mask candidate(s). Scores: 0.874 | 0.962 | 0.913")

	layers, err := svc.GenerateBoxLayers(ctx, testImage(t, 90, 60), "a. b. c.", 90, 60)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, "c", layers[2].Caption)
}

func TestOverHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(rest.NewRouter(newStub(), logging.Discard()))
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	ccfg := rest.DefaultClientConfig()
	ccfg.Host = host
	ccfg.Port = p
	ccfg.Logger = logging.Discard()
	client := rest.NewClient(ccfg)
	ctx := context.Background()

	masks, err := client.GenerateMasks(ctx, segment.MasksRequest{
		Image: testImage(t, 32, 32),
		Box:   control.NewBox(4, 4, 28, 28),
	})
	require.NoError(t, err)
	require.Len(t, masks, 3)
	m := decodeGray(t, masks[0].PNG)
	assert.Equal(t, uint8(255), m.GrayAt(16, 16).Y)

	layers, err := client.GenerateBoxLayers(ctx, testImage(t, 32, 32), "cat.")
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, "cat", layers[0].Caption)
}
