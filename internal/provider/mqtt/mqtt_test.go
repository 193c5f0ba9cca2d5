package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-sync-backend/internal/logger"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider"
)

type publishCall struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeConn replays retained messages on subscribe and records publishes.
type fakeConn struct {
	retained   map[string][]byte
	published  []publishCall
	subscribed []string
	closed     bool
}

func (f *fakeConn) Subscribe(topic string, _ byte, handler func(string, []byte)) error {
	f.subscribed = append(f.subscribed, topic)
	for t, p := range f.retained {
		handler(t, p)
	}
	return nil
}

func (f *fakeConn) Unsubscribe(string) error { return nil }

func (f *fakeConn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.published = append(f.published, publishCall{topic, qos, retained, payload})
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func newAdapter(t *testing.T, conn *fakeConn, dialErr error) *Adapter {
	t.Helper()
	a, err := NewWithDialer(provider.Config{
		Integration: &model.Integration{
			Kind:     string(provider.KindMQTT),
			BaseURL:  "tcp://broker:1883",
			Settings: map[string]string{"topic_prefix": "fleet"},
		},
		Credential:  []byte(`{"username":"sync","password":"pw"}`),
		Logger:      logger.NewTestLogger(),
		MQTTCollect: 10 * time.Millisecond,
	}, func(_ context.Context, opts BrokerOptions) (Conn, error) {
		assert.Equal(t, "tcp://broker:1883", opts.URL)
		assert.Equal(t, "sync", opts.Username)
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	})
	require.NoError(t, err)
	return a
}

func TestListDevices_CollectsRetainedState(t *testing.T) {
	conn := &fakeConn{retained: map[string][]byte{
		"fleet/devices/dev-1/state": []byte(`{"name":"Boiler","serial_number":"B-1","firmware_version":"4.0","last_seen":"2025-05-01T00:00:00Z"}`),
		"fleet/devices/dev-2/state": []byte(`{not json`),
		"fleet/devices/dev-3/state": nil,
		"fleet/devices/x/y/state":   []byte(`{}`),
		"other/devices/dev-4/state": []byte(`{}`),
	}}
	listing, err := newAdapter(t, conn, nil).ListDevices(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"fleet/devices/+/state"}, conn.subscribed)
	require.Len(t, listing.Devices, 1)
	d := listing.Devices[0]
	assert.Equal(t, "dev-1", d.ExternalID)
	assert.Equal(t, "Boiler", d.Name)
	assert.Equal(t, "B-1", d.SerialNumber)
	assert.Equal(t, "4.0", d.FirmwareVersion)
	require.NotNil(t, d.LastSeenOnline)

	require.Len(t, listing.Failures, 1)
	assert.Equal(t, "dev-2", listing.Failures[0].ExternalID)
	assert.True(t, conn.closed)
}

func TestListDevices_DialFailure(t *testing.T) {
	_, err := newAdapter(t, nil, ErrConnectionFailed).ListDevices(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionFailed))
}

func TestUpsertDevice_PublishesRetained(t *testing.T) {
	conn := &fakeConn{}
	rd, err := newAdapter(t, conn, nil).UpsertDevice(context.Background(), provider.RemoteDevice{
		Name: "Chiller", SerialNumber: "C 1", FirmwareVersion: "2.2",
	})
	require.NoError(t, err)

	assert.Equal(t, "C_1", rd.ExternalID)
	require.Len(t, conn.published, 1)
	call := conn.published[0]
	assert.Equal(t, "fleet/devices/C_1/state", call.topic)
	assert.True(t, call.retained)
	assert.Equal(t, byte(1), call.qos)

	var s state
	require.NoError(t, json.Unmarshal(call.payload, &s))
	assert.Equal(t, "Chiller", s.Name)
	assert.Equal(t, "2.2", s.FirmwareVersion)
}

func TestNew_RequiresBroker(t *testing.T) {
	_, err := New(provider.Config{Integration: &model.Integration{Kind: string(provider.KindMQTT)}})
	assert.ErrorIs(t, err, provider.ErrBadCredential)
}
