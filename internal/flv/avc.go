package flv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit types
const (
	NALUnitTypeIDR = 5
	NALUnitTypeSPS = 7
	NALUnitTypePPS = 8
)

// Annex-B start codes
var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// SplitAnnexB splits an Annex-B byte stream into bare NAL units, start codes
// stripped.
func SplitAnnexB(data []byte) [][]byte {
	var nalus [][]byte
	offset := 0
	for offset < len(data) {
		startCodeLen := 0
		if offset+4 <= len(data) && bytes.Equal(data[offset:offset+4], startCode4) {
			startCodeLen = 4
		} else if offset+3 <= len(data) && bytes.Equal(data[offset:offset+3], startCode3) {
			startCodeLen = 3
		} else {
			offset++
			continue
		}
		offset += startCodeLen

		next := offset
		for next < len(data) {
			if (next+4 <= len(data) && bytes.Equal(data[next:next+4], startCode4)) ||
				(next+3 <= len(data) && bytes.Equal(data[next:next+3], startCode3)) {
				break
			}
			next++
		}
		if next > offset {
			nalus = append(nalus, data[offset:next])
		}
		offset = next
	}
	return nalus
}

// ExtractParameterSets pulls the SPS and PPS NAL units out of an Annex-B
// configuration blob.
func ExtractParameterSets(annexB []byte) (sps, pps [][]byte, err error) {
	for _, nalu := range SplitAnnexB(annexB) {
		switch nalu[0] & 0x1F {
		case NALUnitTypeSPS:
			sps = append(sps, nalu)
		case NALUnitTypePPS:
			pps = append(pps, nalu)
		}
	}
	if len(sps) == 0 || len(pps) == 0 {
		return nil, nil, fmt.Errorf("no SPS/PPS found in codec configuration (%d bytes)", len(annexB))
	}
	return sps, pps, nil
}

// BuildDecoderConfigurationRecord assembles the AVCDecoderConfigurationRecord
// sent as the H.264 sequence header. Profile, compatibility and level are
// taken from the first SPS; NAL unit lengths are 4 bytes.
func BuildDecoderConfigurationRecord(sps, pps [][]byte) ([]byte, error) {
	if len(sps) == 0 || len(pps) == 0 {
		return nil, fmt.Errorf("need at least one SPS and one PPS")
	}
	if len(sps[0]) < 4 {
		return nil, fmt.Errorf("SPS too short: %d bytes", len(sps[0]))
	}

	var buf bytes.Buffer
	buf.WriteByte(1)         // configuration version
	buf.WriteByte(sps[0][1]) // AVC profile indication
	buf.WriteByte(sps[0][2]) // profile compatibility
	buf.WriteByte(sps[0][3]) // AVC level indication
	buf.WriteByte(0xFF)      // reserved + NAL unit length size - 1 (4 bytes)

	buf.WriteByte(0xE0 | byte(len(sps)&0x1F))
	for _, s := range sps {
		binary.Write(&buf, binary.BigEndian, uint16(len(s)))
		buf.Write(s)
	}
	buf.WriteByte(byte(len(pps)))
	for _, p := range pps {
		binary.Write(&buf, binary.BigEndian, uint16(len(p)))
		buf.Write(p)
	}
	return buf.Bytes(), nil
}

// ParseDecoderConfigurationRecord extracts the SPS and PPS sets from an
// AVCDecoderConfigurationRecord (the inverse of the builder, used when
// re-publishing FLV input).
func ParseDecoderConfigurationRecord(data []byte) (sps, pps [][]byte, err error) {
	if len(data) < 7 {
		return nil, nil, fmt.Errorf("configuration record too short: %d bytes", len(data))
	}
	numSPS := int(data[5] & 0x1F)
	offset := 6
	for i := 0; i < numSPS; i++ {
		if offset+2 > len(data) {
			return nil, nil, fmt.Errorf("truncated SPS length at offset %d", offset)
		}
		n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+n > len(data) {
			return nil, nil, fmt.Errorf("truncated SPS data at offset %d", offset)
		}
		sps = append(sps, data[offset:offset+n])
		offset += n
	}
	if offset >= len(data) {
		return nil, nil, fmt.Errorf("configuration record missing PPS count")
	}
	numPPS := int(data[offset])
	offset++
	for i := 0; i < numPPS; i++ {
		if offset+2 > len(data) {
			return nil, nil, fmt.Errorf("truncated PPS length at offset %d", offset)
		}
		n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+n > len(data) {
			return nil, nil, fmt.Errorf("truncated PPS data at offset %d", offset)
		}
		pps = append(pps, data[offset:offset+n])
		offset += n
	}
	return sps, pps, nil
}

// AnnexBFromParameterSets rebuilds an Annex-B configuration blob from SPS and
// PPS sets.
func AnnexBFromParameterSets(sps, pps [][]byte) []byte {
	var buf bytes.Buffer
	for _, s := range sps {
		buf.Write(startCode4)
		buf.Write(s)
	}
	for _, p := range pps {
		buf.Write(startCode4)
		buf.Write(p)
	}
	return buf.Bytes()
}

// ConvertAnnexBToAVCC converts start-code-prefixed NAL units to the
// 4-byte-length-prefixed AVCC layout RTMP video payloads use. Input already
// in AVCC form is passed through.
func ConvertAnnexBToAVCC(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty video payload")
	}
	if !isAnnexB(data) {
		return data, nil
	}
	nalus := SplitAnnexB(data)
	if len(nalus) == 0 {
		return nil, fmt.Errorf("no NAL units found in payload")
	}
	var buf bytes.Buffer
	for _, nalu := range nalus {
		binary.Write(&buf, binary.BigEndian, uint32(len(nalu)))
		buf.Write(nalu)
	}
	return buf.Bytes(), nil
}

// ConvertAVCCToAnnexB converts 4-byte-length-prefixed NAL units back to
// Annex-B, used when feeding FLV file input through the push contract.
func ConvertAVCCToAnnexB(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	offset := 0
	count := 0
	for offset+4 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
		offset += 4
		if n == 0 {
			continue
		}
		if offset+n > len(data) {
			return nil, fmt.Errorf("invalid NAL size %d at offset %d", n, offset-4)
		}
		buf.Write(startCode4)
		buf.Write(data[offset : offset+n])
		offset += n
		count++
	}
	if count == 0 {
		return nil, fmt.Errorf("no NAL units found in AVCC data")
	}
	return buf.Bytes(), nil
}

func isAnnexB(data []byte) bool {
	return (len(data) >= 4 && bytes.Equal(data[0:4], startCode4)) ||
		(len(data) >= 3 && bytes.Equal(data[0:3], startCode3))
}
