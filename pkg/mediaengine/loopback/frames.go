package loopback

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/call_api/pkg/callapi/media"
)

const (
	videoPacketsPerFrame = 3
	audioSamplesPerFrame = 960
	videoTicksPerFrame   = 3000
)

// packetizer выпускает синтетические RTP пакеты одного участника
type packetizer struct {
	mu        sync.Mutex
	ssrc      uint32
	seq       uint16
	audioTime uint32
	videoTime uint32
}

func newPacketizer(ssrc uint32) *packetizer {
	return &packetizer{ssrc: ssrc}
}

// frame возвращает пакеты одного кадра. Видеокадр завершается пакетом с маркером.
func (p *packetizer) frame(kind media.Kind) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 1
	pt := payloadTypeAudio
	ts := p.audioTime
	if kind == media.KindVideo {
		count = videoPacketsPerFrame
		pt = payloadTypeVideo
		ts = p.videoTime
	}

	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		p.seq++
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         kind == media.KindVideo && i == count-1,
				PayloadType:    pt,
				SequenceNumber: p.seq,
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: []byte{byte(i), 0x00, 0x01},
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal rtp: %w", err)
		}
		out = append(out, raw)
	}

	if kind == media.KindVideo {
		p.videoTime += videoTicksPerFrame
	} else {
		p.audioTime += audioSamplesPerFrame
	}
	return out, nil
}

// firstFrame разбирает пакеты и возвращает тип потока, если кадр собран полностью:
// для аудио достаточно одного пакета, видеокадр требует пакет с маркером.
func firstFrame(packets [][]byte) (media.Kind, bool) {
	for _, raw := range packets {
		var pkt rtp.Packet
		if err := pkt.Unmarshal(raw); err != nil {
			continue
		}
		switch pkt.PayloadType {
		case payloadTypeAudio:
			return media.KindAudio, true
		case payloadTypeVideo:
			if pkt.Marker {
				return media.KindVideo, true
			}
		}
	}
	return 0, false
}
