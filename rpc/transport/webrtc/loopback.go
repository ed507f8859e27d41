package webrtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

const iceGatherTimeout = 10 * time.Second

// LoopbackPair holds two peer connections in the same process joined by one
// data channel
type LoopbackPair struct {
	A, B *Channel

	offerPC  *webrtc.PeerConnection
	answerPC *webrtc.PeerConnection
}

// Close closes both channels and both peer connections
func (p *LoopbackPair) Close() error {
	_ = p.A.Close()
	_ = p.B.Close()
	errA := p.offerPC.Close()
	errB := p.answerPC.Close()
	if errA != nil {
		return errA
	}
	return errB
}

// newPeerConnection creates a pion PeerConnection that gathers loopback candidates
func newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{})
}

// gather sets the local description and waits until ICE gathering is done
func gather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-time.After(iceGatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewLoopbackPair negotiates two peer connections with a direct SDP exchange
// and returns once the data channel is open on both sides
func NewLoopbackPair(ctx context.Context, maxSize int) (*LoopbackPair, error) {
	offerPC, err := newPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("creating offer peer connection: %w", err)
	}
	answerPC, err := newPeerConnection()
	if err != nil {
		_ = offerPC.Close()
		return nil, fmt.Errorf("creating answer peer connection: %w", err)
	}
	pair := &LoopbackPair{offerPC: offerPC, answerPC: answerPC}

	fail := func(err error) (*LoopbackPair, error) {
		_ = offerPC.Close()
		_ = answerPC.Close()
		return nil, err
	}

	answerOpen := make(chan *Channel, 1)
	answerPC.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := NewChannel(dc, maxSize)
		dc.OnOpen(func() {
			answerOpen <- ch
		})
	})

	ordered := true
	dc, err := offerPC.CreateDataChannel("dlink", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(fmt.Errorf("creating data channel: %w", err))
	}
	pair.A = NewChannel(dc, maxSize)
	offerOpen := make(chan struct{})
	dc.OnOpen(func() {
		close(offerOpen)
	})

	offer, err := offerPC.CreateOffer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP offer: %w", err))
	}
	if err := gather(ctx, offerPC, offer); err != nil {
		return fail(err)
	}
	if err := answerPC.SetRemoteDescription(*offerPC.LocalDescription()); err != nil {
		return fail(fmt.Errorf("setting remote offer: %w", err))
	}

	answer, err := answerPC.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("creating SDP answer: %w", err))
	}
	if err := gather(ctx, answerPC, answer); err != nil {
		return fail(err)
	}
	if err := offerPC.SetRemoteDescription(*answerPC.LocalDescription()); err != nil {
		return fail(fmt.Errorf("setting remote answer: %w", err))
	}

	select {
	case <-offerOpen:
	case <-ctx.Done():
		return fail(ctx.Err())
	}
	select {
	case pair.B = <-answerOpen:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	Logger.Debugf("loopback data channel open: %s <-> %s", pair.A.Label(), pair.B.Label())
	return pair, nil
}
