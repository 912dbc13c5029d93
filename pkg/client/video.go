package client

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "chatrelay/internal/errors"
	"chatrelay/pkg/protocol"

	"github.com/pion/webrtc/v4"
)

// SendOffer relays a local offer to every other participant.
func (c *Client) SendOffer(ctx context.Context, offer webrtc.SessionDescription, videoEnabled bool) error {
	if offer.Type != webrtc.SDPTypeOffer {
		return apperrors.NewInvalidInputError("signal", "expected an offer, got "+offer.Type.String())
	}
	return c.sendSignal(ctx, protocol.SignalOffer, offer, videoEnabled)
}

// SendAnswer relays a local answer to the peer that is waiting on its offer.
func (c *Client) SendAnswer(ctx context.Context, answer webrtc.SessionDescription, videoEnabled bool) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return apperrors.NewInvalidInputError("signal", "expected an answer, got "+answer.Type.String())
	}
	return c.sendSignal(ctx, protocol.SignalAnswer, answer, videoEnabled)
}

func (c *Client) SendCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, videoEnabled bool) error {
	if candidate.Candidate == "" {
		return apperrors.NewInvalidInputError("signal", "empty ICE candidate")
	}
	return c.sendSignal(ctx, protocol.SignalCandidate, candidate, videoEnabled)
}

// SetVideo announces this participant's camera state.
func (c *Client) SetVideo(ctx context.Context, enabled bool) error {
	return c.out.Emit(ctx, protocol.EventVideoState, protocol.VideoState{
		VideoEnabled: enabled,
		Timestamp:    protocol.Millis(c.clock.Now()),
	})
}

func (c *Client) sendSignal(ctx context.Context, typ protocol.SignalType, payload any, videoEnabled bool) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	return c.out.Emit(ctx, protocol.EventVideoSignal, protocol.VideoSignal{
		Signal:       raw,
		VideoEnabled: videoEnabled,
		Type:         typ,
		Timestamp:    protocol.Millis(c.clock.Now()),
	})
}

// DecodeSessionDescription extracts the offer or answer carried by sig.
func DecodeSessionDescription(sig protocol.VideoSignal) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if sig.Type != protocol.SignalOffer && sig.Type != protocol.SignalAnswer {
		return sd, apperrors.NewInvalidInputError("type", "signal is a "+string(sig.Type)+", not a session description")
	}
	if err := json.Unmarshal(sig.Signal, &sd); err != nil {
		return sd, apperrors.NewInvalidInputError("signal", err.Error())
	}
	if sd.SDP == "" {
		return sd, apperrors.NewInvalidInputError("signal", "session description has no SDP")
	}
	return sd, nil
}

// DecodeCandidate extracts the ICE candidate carried by sig.
func DecodeCandidate(sig protocol.VideoSignal) (webrtc.ICECandidateInit, error) {
	var cand webrtc.ICECandidateInit
	if sig.Type != protocol.SignalCandidate {
		return cand, apperrors.NewInvalidInputError("type", "signal is a "+string(sig.Type)+", not a candidate")
	}
	if err := json.Unmarshal(sig.Signal, &cand); err != nil {
		return cand, apperrors.NewInvalidInputError("signal", err.Error())
	}
	return cand, nil
}
