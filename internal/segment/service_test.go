package segment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskcreator/internal/control"
	"maskcreator/internal/logging"
	"maskcreator/internal/metrics"
)

type fakeTransport struct {
	args   StartupArgs
	masks  []MaskCandidate
	layers []BoxLayer
	err    error

	calls   int
	lastReq MasksRequest
	closed  bool
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) StartupArgs(context.Context) (StartupArgs, error) {
	f.calls++
	return f.args, f.err
}

func (f *fakeTransport) GenerateMasks(_ context.Context, req MasksRequest) ([]MaskCandidate, error) {
	f.calls++
	f.lastReq = req
	return f.masks, f.err
}

func (f *fakeTransport) GenerateBoxLayers(context.Context, []byte, string) ([]BoxLayer, error) {
	f.calls++
	return f.layers, f.err
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type statusLog []string

func (s *statusLog) sink(msg string) { *s = append(*s, msg) }

func newTestService(t *testing.T, tr Transport) (*Service, *statusLog) {
	t.Helper()
	var status statusLog
	svc := NewService(tr, ServiceConfig{
		Status:  status.sink,
		Logger:  logging.Discard(),
		Metrics: metrics.New(),
	})
	return svc, &status
}

func TestGenerateMasksRequiresPrompts(t *testing.T) {
	tr := &fakeTransport{}
	svc, status := newTestService(t, tr)

	masks, err := svc.GenerateMasks(context.Background(), []byte("img"), nil, nil)
	assert.Empty(t, masks)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, tr.calls, "no I/O expected")
	assert.Equal(t, statusLog{MsgPromptsRequired}, *status)
}

func TestGenerateMasksSuccess(t *testing.T) {
	tr := &fakeTransport{masks: []MaskCandidate{{PNG: []byte{1}, Score: 0.5}, {PNG: []byte{2}, Score: 0.91234}}}
	svc, status := newTestService(t, tr)

	points := []*control.Point{control.NewPoint(1, 2, true)}
	box := control.NewBox(0, 0, 10, 10)
	masks, err := svc.GenerateMasks(context.Background(), []byte("img"), points, box)
	require.NoError(t, err)
	assert.Len(t, masks, 2)
	assert.Equal(t, FlagPoints|FlagBox, tr.lastReq.Flag())
	assert.Equal(t, statusLog{
		MsgGeneratingMasks,
		"Generated 2 mask candidate(s). Scores: 0.500 | 0.912",
	}, *status)
}

func TestGenerateMasksConnectivityFailure(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("%w: dial refused", ErrConnectivity)}
	svc, status := newTestService(t, tr)

	masks, err := svc.GenerateMasks(context.Background(), nil, []*control.Point{control.NewPoint(0, 0, false)}, nil)
	assert.Nil(t, masks)
	assert.ErrorIs(t, err, ErrConnectivity)
	assert.Equal(t, MsgConnectionFailure, (*status)[len(*status)-1])
}

func TestGenerateMasksProtocolFailure(t *testing.T) {
	tr := &fakeTransport{err: fmt.Errorf("%w: mask length 9437184", ErrProtocolSize)}
	svc, status := newTestService(t, tr)

	_, err := svc.GenerateMasks(context.Background(), nil, nil, control.NewBox(1, 1, 2, 2))
	assert.ErrorIs(t, err, ErrProtocolSize)
	assert.Contains(t, (*status)[len(*status)-1], "Error: ")
}

func TestGenerateBoxLayers(t *testing.T) {
	tests := []struct {
		name    string
		prompt  string
		layers  []BoxLayer
		wantErr error
		wantMsg string
		calls   int
	}{
		{name: "empty prompt", prompt: "  ", wantErr: ErrValidation, wantMsg: MsgTextRequired},
		{
			name:    "two layers",
			prompt:  "cat. dog",
			layers:  []BoxLayer{{Caption: "cat"}, {Caption: "dog"}},
			wantMsg: "Generated 2 box layer(s).",
			calls:   1,
		},
		{name: "no detections", prompt: "unicorn", wantMsg: "Generated 0 box layer(s).", calls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{layers: tt.layers}
			svc, status := newTestService(t, tr)

			layers, err := svc.GenerateBoxLayers(context.Background(), []byte("img"), tt.prompt, 640, 480)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.calls, tr.calls)
			assert.Len(t, layers, len(tt.layers))
			for _, l := range layers {
				assert.Equal(t, 640, l.Width)
				assert.Equal(t, 480, l.Height)
			}
			assert.Equal(t, tt.wantMsg, (*status)[len(*status)-1])
		})
	}
}

func TestStartupArgsFailureReturnsEmpty(t *testing.T) {
	tr := &fakeTransport{args: StartupArgs{ProcDir: "/x"}, err: ErrConnectivity}
	svc, status := newTestService(t, tr)

	args, err := svc.StartupArgs(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StartupArgs{}, args)
	assert.Equal(t, statusLog{MsgStartingUp, MsgConnectionFailure}, *status)
}

type slowTransport struct{ fakeTransport }

func (s *slowTransport) GenerateMasks(ctx context.Context, _ MasksRequest) ([]MaskCandidate, error) {
	<-ctx.Done()
	return nil, fmt.Errorf("%w: %v", ErrConnectivity, ctx.Err())
}

func TestServiceTimeout(t *testing.T) {
	tr := &slowTransport{}
	svc := NewService(tr, ServiceConfig{Logger: logging.Discard(), Timeout: 20 * time.Millisecond})

	_, err := svc.GenerateMasks(context.Background(), nil, []*control.Point{control.NewPoint(1, 1, true)}, nil)
	assert.True(t, errors.Is(err, ErrConnectivity))
}

func TestServiceClose(t *testing.T) {
	tr := &fakeTransport{}
	svc, _ := newTestService(t, tr)
	svc.Close()
	assert.True(t, tr.closed)
}

func TestBoxLayerBoxNormalizes(t *testing.T) {
	b := BoxLayer{X1: 50, Y1: 10, X2: 5, Y2: 80}.Box()
	assert.Equal(t, &control.Box{X1: 5, Y1: 10, X2: 50, Y2: 80}, b)
}
