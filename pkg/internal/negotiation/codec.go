package negotiation

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/pion/webrtc/v4"
)

type wireDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// EncodeDescription serializes a description into the text stored in the
// offer and answer columns.
func EncodeDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := jsoniter.Marshal(wireDescription{Type: desc.Type.String(), SDP: desc.SDP})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecodeDescription parses stored text back into a description and checks the
// SDP is well formed.
func DecodeDescription(text string) (webrtc.SessionDescription, error) {
	var wire wireDescription
	if err := jsoniter.UnmarshalFromString(text, &wire); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: unable to parse description: %v", ErrNegotiationFailed, err)
	}

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(wire.Type), SDP: wire.SDP}
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer:
	default:
		return desc, fmt.Errorf("%w: unsupported sdp type %q", ErrNegotiationFailed, wire.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return desc, fmt.Errorf("%w: malformed sdp: %v", ErrNegotiationFailed, err)
	}
	return desc, nil
}
