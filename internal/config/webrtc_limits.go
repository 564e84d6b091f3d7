package config

import "fmt"

// minWebRTCSCTPReceiveBufferBytes is the minimum SCTP receive buffer size that
// pion/sctp will accept during association setup. Values below this break SCTP
// negotiation (INIT/INIT-ACK validation).
const minWebRTCSCTPReceiveBufferBytes = 1500

// maxWebRTCDataChannelMessageBytes matches the largest message pion's SCTP
// reassembly will accept.
const maxWebRTCDataChannelMessageBytes = 256 * 1024 * 1024

func defaultWebRTCSCTPMaxReceiveBufferBytes(maxMessageBytes int) int {
	if maxMessageBytes < 0 {
		maxMessageBytes = 0
	}
	buf := DefaultWebRTCSCTPMaxReceiveBufferBytes

	// Keep the receive buffer comfortably above the per-message cap so that a
	// small amount of in-flight data does not immediately stall the association.
	if twice := maxMessageBytes * 2; twice > buf {
		buf = twice
	}
	if buf < maxMessageBytes {
		buf = maxMessageBytes
	}
	if buf < minWebRTCSCTPReceiveBufferBytes {
		buf = minWebRTCSCTPReceiveBufferBytes
	}
	return buf
}

// resolveWebRTCMessageLimits fills in defaults (0 = unset) and validates the
// DataChannel message cap against the SCTP receive buffer.
func resolveWebRTCMessageLimits(maxMessageBytes, sctpRecvBuf int) (int, int, error) {
	if maxMessageBytes < 0 {
		return 0, 0, fmt.Errorf("%s/--%s must be >= 0", EnvWebRTCDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes)
	}
	if sctpRecvBuf < 0 {
		return 0, 0, fmt.Errorf("%s/--%s must be >= 0", EnvWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes)
	}
	if maxMessageBytes == 0 {
		maxMessageBytes = DefaultWebRTCDataChannelMaxMessageBytes
	}
	if maxMessageBytes > maxWebRTCDataChannelMessageBytes {
		return 0, 0, fmt.Errorf("%s/--%s must be <= %d", EnvWebRTCDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes, maxWebRTCDataChannelMessageBytes)
	}
	if sctpRecvBuf == 0 {
		sctpRecvBuf = defaultWebRTCSCTPMaxReceiveBufferBytes(maxMessageBytes)
	}
	if sctpRecvBuf < minWebRTCSCTPReceiveBufferBytes {
		return 0, 0, fmt.Errorf("%s/--%s must be >= %d", EnvWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes, minWebRTCSCTPReceiveBufferBytes)
	}
	if sctpRecvBuf < maxMessageBytes {
		return 0, 0, fmt.Errorf("%s/--%s (%d) must be >= %s/--%s (%d)",
			EnvWebRTCSCTPMaxReceiveBufferBytes, flagWebRTCSCTPMaxReceiveBufferBytes, sctpRecvBuf,
			EnvWebRTCDataChannelMaxMessageBytes, flagWebRTCDataChannelMaxMessageBytes, maxMessageBytes,
		)
	}
	return maxMessageBytes, sctpRecvBuf, nil
}
