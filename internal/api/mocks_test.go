package api

import (
	"context"

	"github.com/srg/myoscope/internal/device"
	"github.com/srg/myoscope/internal/myo"
	"github.com/srg/myoscope/internal/recorder"
	"github.com/srg/myoscope/internal/session"
	"github.com/stretchr/testify/mock"
)

type mockSession struct {
	mock.Mock
}

func (m *mockSession) Scan(ctx context.Context) ([]device.Descriptor, error) {
	args := m.Called(ctx)
	found, _ := args.Get(0).([]device.Descriptor)
	return found, args.Error(1)
}

func (m *mockSession) Connect(ctx context.Context, address string, mode myo.ModeConfig) error {
	return m.Called(ctx, address, mode).Error(0)
}

func (m *mockSession) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSession) Reset(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSession) Vibrate(ctx context.Context, pattern string) error {
	return m.Called(ctx, pattern).Error(0)
}

func (m *mockSession) UpdateMode(ctx context.Context, mode myo.ModeConfig) error {
	return m.Called(ctx, mode).Error(0)
}

func (m *mockSession) Status(ctx context.Context) myo.Status {
	return m.Called(ctx).Get(0).(myo.Status)
}

func (m *mockSession) State() session.State {
	return m.Called().Get(0).(session.State)
}

func (m *mockSession) Mode() myo.ModeConfig {
	return m.Called().Get(0).(myo.ModeConfig)
}

func (m *mockSession) Info() myo.DeviceInfo {
	return m.Called().Get(0).(myo.DeviceInfo)
}

func (m *mockSession) DecodedFrames() uint64 {
	return m.Called().Get(0).(uint64)
}

func (m *mockSession) DecodeErrors() uint64 {
	return m.Called().Get(0).(uint64)
}

func (m *mockSession) IngestOverruns() uint64 {
	return m.Called().Get(0).(uint64)
}

func (m *mockSession) IngestErrors() uint64 {
	return m.Called().Get(0).(uint64)
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Start(opts recorder.StartOptions) (string, error) {
	args := m.Called(opts)
	return args.String(0), args.Error(1)
}

func (m *mockRecorder) Stop() (recorder.Result, error) {
	args := m.Called()
	return args.Get(0).(recorder.Result), args.Error(1)
}

func (m *mockRecorder) Snapshot() recorder.Snapshot {
	return m.Called().Get(0).(recorder.Snapshot)
}

func (m *mockRecorder) Pending() *recorder.Pending {
	p, _ := m.Called().Get(0).(*recorder.Pending)
	return p
}

func (m *mockRecorder) SavePending(path string) (recorder.Result, error) {
	args := m.Called(path)
	return args.Get(0).(recorder.Result), args.Error(1)
}

func (m *mockRecorder) Discard() (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}
