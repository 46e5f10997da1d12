package loopback

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/call_api/pkg/callapi/media"
)

// Payload types синтетических потоков
const (
	payloadTypeAudio uint8 = 111
	payloadTypeVideo uint8 = 96
)

const (
	directionSendRecv = "sendrecv"
	directionRecvOnly = "recvonly"
	directionSendOnly = "sendonly"
	directionInactive = "inactive"
)

// describe формирует описание участника: секции audio и video с направлением,
// отражающим публикацию и подписку.
func describe(uid uint32, pub, sub flags) *sdp.SessionDescription {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       strconv.FormatUint(uint64(uid), 10),
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "loopback",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	desc.MediaDescriptions = []*sdp.MediaDescription{
		mediaSection("audio", payloadTypeAudio, "opus/48000/2", direction(pub.audio, sub.audio)),
		mediaSection("video", payloadTypeVideo, "VP8/90000", direction(pub.video, sub.video)),
	}
	return desc
}

func mediaSection(kind string, pt uint8, rtpmap, dir string) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   kind,
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{strconv.Itoa(int(pt))},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: fmt.Sprintf("%d %s", pt, rtpmap)},
			{Key: dir},
		},
	}
}

func direction(send, recv bool) string {
	switch {
	case send && recv:
		return directionSendRecv
	case send:
		return directionSendOnly
	case recv:
		return directionRecvOnly
	default:
		return directionInactive
	}
}

// extractDirection направление секции; без атрибута sendrecv
func extractDirection(attributes []sdp.Attribute) string {
	for _, attr := range attributes {
		switch attr.Key {
		case directionSendRecv, directionSendOnly, directionRecvOnly, directionInactive:
			return attr.Key
		}
	}
	return directionSendRecv
}

// publishedKinds разбирает описание участника и возвращает отправляемые им потоки
func publishedKinds(raw []byte) (map[media.Kind]bool, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("parse description: %w", err)
	}
	kinds := make(map[media.Kind]bool, 2)
	for _, md := range desc.MediaDescriptions {
		dir := extractDirection(md.Attributes)
		if dir != directionSendRecv && dir != directionSendOnly {
			continue
		}
		switch md.MediaName.Media {
		case "audio":
			kinds[media.KindAudio] = true
		case "video":
			kinds[media.KindVideo] = true
		}
	}
	return kinds, nil
}
