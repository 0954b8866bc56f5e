package scrcpy

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// extractParameterSets splits an Annex-B configuration packet into NAL
// units and returns the SPS and PPS, each re-prefixed with a start code so
// they can be concatenated and fed straight to a decoder.
func extractParameterSets(payload []byte) (sps, pps []byte) {
	var nalus h264.AnnexB
	if err := nalus.Unmarshal(payload); err != nil {
		return nil, nil
	}

	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			sps = withStartCode(nalu)
		case h264.NALUTypePPS:
			pps = withStartCode(nalu)
		}
	}
	return sps, pps
}

func withStartCode(nalu []byte) []byte {
	out := make([]byte, 0, len(annexBStartCode)+len(nalu))
	out = append(out, annexBStartCode...)
	return append(out, nalu...)
}
