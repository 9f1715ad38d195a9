package webrtc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/esp32-object-sentry/internal/metrics"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

func TestHandleOfferRejectsGarbage(t *testing.T) {
	s := NewServer(nil, 2, nil)
	_, err := s.HandleOffer([]byte("not json"))
	assert.Error(t, err)
	assert.Zero(t, s.ClientCount())
}

func TestHandleOfferClientLimit(t *testing.T) {
	s := NewServer(nil, 0, nil)
	_, err := s.HandleOffer([]byte(`{"type":"offer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrMaxClients)
}

func TestDeliverWithoutClients(t *testing.T) {
	s := NewServer(nil, 2, nil)
	assert.Equal(t, "webrtc", s.Name())
	assert.NoError(t, s.Deliver(context.Background(), types.AlertEvent{Message: "a"}))
	assert.NoError(t, s.Close())
}

// TestAlertsOverDataChannel negotiates a real peer connection in-process.
func TestAlertsOverDataChannel(t *testing.T) {
	m := metrics.New()
	s := NewServer(nil, 2, m)
	defer s.Close()

	browser, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer browser.Close()

	dc, err := browser.CreateDataChannel(AlertsLabel, nil)
	require.NoError(t, err)
	opened := make(chan struct{})
	received := make(chan []byte, 1)
	dc.OnOpen(func() { close(opened) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case received <- msg.Data:
		default:
		}
	})

	offer, err := browser.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(browser)
	require.NoError(t, browser.SetLocalDescription(offer))
	<-gathered

	offerJSON, err := json.Marshal(browser.LocalDescription())
	require.NoError(t, err)
	answerJSON, err := s.HandleOffer(offerJSON)
	require.NoError(t, err)
	assert.Equal(t, 1, s.ClientCount())
	assert.Equal(t, int64(1), m.WebRTCClients.Load())

	var answer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answerJSON, &answer))
	require.NoError(t, browser.SetRemoteDescription(answer))

	select {
	case <-opened:
	case <-time.After(10 * time.Second):
		t.Skip("no ICE path between local peers in this environment")
	}

	// The server side learns about the channel asynchronously.
	ev := types.AlertEvent{Camera: "cam0", Condition: "suspicious_alone", Message: "a", SuspiciousCount: 1}
	require.Eventually(t, func() bool {
		return s.Deliver(context.Background(), ev) == nil && s.ClientStats()["client-1"]["alerts_sent"] > 0
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case data := <-received:
		var got types.AlertEvent
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, "a", got.Message)
		assert.Equal(t, "cam0", got.Camera)
	case <-time.After(5 * time.Second):
		t.Fatal("alert not received on data channel")
	}
}
