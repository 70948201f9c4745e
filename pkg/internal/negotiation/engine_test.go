package negotiation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation/negotiationtest"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrack(t *testing.T) webrtc.TrackLocal {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "test")
	require.NoError(t, err)
	return track
}

func remoteOffer(t *testing.T) string {
	text, err := negotiation.EncodeDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  negotiationtest.SDP("remote"),
	})
	require.NoError(t, err)
	return text
}

func TestCreateOfferRequiresLocalTrack(t *testing.T) {
	engine := negotiation.New("t", &negotiationtest.Transport{})

	_, err := engine.CreateOffer()
	assert.ErrorIs(t, err, negotiation.ErrNegotiationFailed)
}

func TestCreateAnswerRequiresRemoteOffer(t *testing.T) {
	engine := negotiation.New("t", &negotiationtest.Transport{})
	require.NoError(t, engine.AddLocalTrack(newTrack(t)))

	_, err := engine.CreateAnswer()
	assert.ErrorIs(t, err, negotiation.ErrNegotiationFailed)
}

func TestCreateOfferEncodesDescription(t *testing.T) {
	pc := &negotiationtest.Transport{Name: "x"}
	engine := negotiation.New("t", pc)
	require.NoError(t, engine.AddLocalTrack(newTrack(t)))

	text, err := engine.CreateOffer()
	require.NoError(t, err)

	desc, err := negotiation.DecodeDescription(text)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, desc.Type)
	assert.Equal(t, pc.Local().SDP, desc.SDP)
	assert.Equal(t, 1, engine.LocalTracks())
}

func TestGatherStopsWhenComplete(t *testing.T) {
	pc := &negotiationtest.Transport{
		Candidates: []webrtc.ICECandidateInit{negotiationtest.Candidate(1000), negotiationtest.Candidate(1001)},
	}
	engine := negotiation.New("t", pc)
	require.NoError(t, engine.AddLocalTrack(newTrack(t)))
	_, err := engine.CreateOffer()
	require.NoError(t, err)

	start := time.Now()
	gathered := engine.GatherLocalCandidates(context.Background(), 5*time.Second)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, gathered, 2)
	assert.Equal(t, negotiationtest.Candidate(1000).Candidate, gathered[0].Candidate)
	assert.Equal(t, negotiationtest.Candidate(1001).Candidate, gathered[1].Candidate)
}

func TestGatherTimeoutTricklesLateCandidates(t *testing.T) {
	pc := &negotiationtest.Transport{HoldGathering: true}
	engine := negotiation.New("t", pc)
	require.NoError(t, engine.AddLocalTrack(newTrack(t)))
	_, err := engine.CreateOffer()
	require.NoError(t, err)

	pc.Emit(negotiationtest.Candidate(2000))
	gathered := engine.GatherLocalCandidates(context.Background(), 50*time.Millisecond)
	require.Len(t, gathered, 1)

	// Found before anyone listens: buffered, then replayed.
	pc.Emit(negotiationtest.Candidate(2001))

	var mu sync.Mutex
	var trickled []models.Candidate
	engine.SetTrickle(func(c models.Candidate) {
		mu.Lock()
		trickled = append(trickled, c)
		mu.Unlock()
	})
	pc.Emit(negotiationtest.Candidate(2002))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, trickled, 2)
	assert.Equal(t, negotiationtest.Candidate(2001).Candidate, trickled[0].Candidate)
	assert.Equal(t, negotiationtest.Candidate(2002).Candidate, trickled[1].Candidate)
}

func TestApplyRemoteDescriptionIsIdempotent(t *testing.T) {
	pc := &negotiationtest.Transport{}
	engine := negotiation.New("t", pc)
	offer := remoteOffer(t)

	require.NoError(t, engine.ApplyRemoteDescription(offer))
	require.NoError(t, engine.ApplyRemoteDescription(offer))
	assert.Equal(t, 1, pc.RemoteSets())
	assert.True(t, engine.HasRemoteDescription())

	err := engine.ApplyRemoteDescription(remoteOffer(t))
	assert.ErrorIs(t, err, negotiation.ErrNegotiationFailed)
	assert.Equal(t, 1, pc.RemoteSets())
}

func TestApplyRemoteDescriptionRejectsMalformed(t *testing.T) {
	engine := negotiation.New("t", &negotiationtest.Transport{})

	for _, text := range []string{
		"not json",
		`{"type":"answer","sdp":"garbage"}`,
		`{"type":"rollback","sdp":""}`,
	} {
		err := engine.ApplyRemoteDescription(text)
		assert.ErrorIs(t, err, negotiation.ErrNegotiationFailed, text)
	}
	assert.False(t, engine.HasRemoteDescription())
}

func TestAddRemoteCandidateQueuesUntilDescription(t *testing.T) {
	pc := &negotiationtest.Transport{}
	engine := negotiation.New("t", pc)
	candidate := models.CandidateFromPion(negotiationtest.Candidate(3000))

	res, err := engine.AddRemoteCandidate(candidate)
	require.NoError(t, err)
	assert.Equal(t, negotiation.Queued, res)
	assert.Empty(t, pc.Added())

	require.NoError(t, engine.ApplyRemoteDescription(remoteOffer(t)))
	res, err = engine.AddRemoteCandidate(candidate)
	require.NoError(t, err)
	assert.Equal(t, negotiation.Applied, res)
	assert.Len(t, pc.Added(), 1)
}

func TestConnectionStateAndTracksAreSurfaced(t *testing.T) {
	pc := &negotiationtest.Transport{}
	engine := negotiation.New("t", pc)

	var states []negotiation.ConnectionState
	engine.OnConnectionStateChanged(func(state negotiation.ConnectionState) {
		states = append(states, state)
	})
	var kinds []string
	engine.OnTrackReceived(func(kind string) {
		kinds = append(kinds, kind)
	})

	assert.Equal(t, negotiation.ConnectionStateNew, engine.State())
	pc.SetState(webrtc.PeerConnectionStateConnecting)
	pc.SetState(webrtc.PeerConnectionStateConnected)
	pc.DeliverTrack(webrtc.RTPCodecTypeAudio)

	assert.Equal(t, []negotiation.ConnectionState{
		negotiation.ConnectionStateConnecting,
		negotiation.ConnectionStateConnected,
	}, states)
	assert.Equal(t, negotiation.ConnectionStateConnected, engine.State())
	assert.Equal(t, []string{"audio"}, kinds)
	assert.Equal(t, 1, engine.RemoteTracks())
}

func TestCloseIsIdempotent(t *testing.T) {
	pc := &negotiationtest.Transport{}
	engine := negotiation.New("t", pc)

	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
	assert.True(t, pc.Closed())

	_, err := engine.AddRemoteCandidate(models.CandidateFromPion(negotiationtest.Candidate(1)))
	assert.ErrorIs(t, err, negotiation.ErrNegotiationFailed)
}
