package graph

import (
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
	"github.com/pion/rtcp"
)

// isRTCP applies the RFC 5761 rule for RTP/RTCP on one port: packet types
// 192-223 never collide with dynamic RTP payload types once the marker bit
// is folded in.
func isRTCP(pkt []byte) bool {
	if len(pkt) < 8 || pkt[0]>>6 != 2 {
		return false
	}
	return pkt[1] >= 192 && pkt[1] <= 223
}

// routeRTCP forwards a compound RTCP packet along the path of its sender.
// RTCP never creates a path; reports for unknown SSRCs are dropped.
func (g *Graph) routeRTCP(pkt []byte) {
	pkts, err := rtcp.Unmarshal(pkt)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "malformed").Inc()
		return
	}

	ssrc, ok := senderSSRC(pkts)
	if !ok {
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "rtcp_unrouted").Inc()
		return
	}
	path := g.lookup(ssrc)
	if path == nil {
		metrics.PacketsDropped.WithLabelValues(g.kind.String(), "rtcp_unrouted").Inc()
		return
	}
	path.push(pkt)
}

func senderSSRC(pkts []rtcp.Packet) (uint32, bool) {
	for _, p := range pkts {
		switch p := p.(type) {
		case *rtcp.SenderReport:
			return p.SSRC, true
		case *rtcp.ReceiverReport:
			return p.SSRC, true
		case *rtcp.SourceDescription:
			if len(p.Chunks) > 0 {
				return p.Chunks[0].Source, true
			}
		case *rtcp.Goodbye:
			if len(p.Sources) > 0 {
				return p.Sources[0], true
			}
		}
	}
	return 0, false
}
