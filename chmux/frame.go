package chmux

import (
	"encoding/binary"
	"fmt"
	"io"
)

// cmd identifies a frame's kind on the wire. Unknown tags are a fatal
// protocol error (spec.md §4.2).
type cmd byte

const (
	cmdHello       cmd = 1
	cmdOpen        cmd = 2
	cmdOpened      cmd = 3
	cmdRejected    cmd = 4
	cmdData        cmd = 5
	cmdPortData    cmd = 6
	cmdCredit      cmd = 7
	cmdHangup      cmd = 8
	cmdGoodbye     cmd = 9
	cmdPing        cmd = 10
	cmdPong        cmd = 11
	cmdBackchannel cmd = 12
)

func (c cmd) String() string {
	switch c {
	case cmdHello:
		return "HELLO"
	case cmdOpen:
		return "OPEN"
	case cmdOpened:
		return "OPENED"
	case cmdRejected:
		return "REJECTED"
	case cmdData:
		return "DATA"
	case cmdPortData:
		return "PORT_DATA"
	case cmdCredit:
		return "CREDIT"
	case cmdHangup:
		return "HANGUP"
	case cmdGoodbye:
		return "GOODBYE"
	case cmdPing:
		return "PING"
	case cmdPong:
		return "PONG"
	case cmdBackchannel:
		return "BACKCHANNEL"
	default:
		return fmt.Sprintf("cmd(%d)", byte(c))
	}
}

const protocolVersion byte = 1

// headerSize is ver(1) + cmd(1) + length(2) + port id(4), matching the
// teacher's fixed 8-byte header layout.
const headerSize = 8

// maxFramePayload bounds a single frame's payload; larger items are
// fragmented by the port sender before framing (spec.md §4.4).
const maxFramePayload = 1<<16 - 1

type rawHeader [headerSize]byte

func (h rawHeader) version() byte    { return h[0] }
func (h rawHeader) command() cmd     { return cmd(h[1]) }
func (h rawHeader) length() uint16   { return binary.LittleEndian.Uint16(h[2:4]) }
func (h rawHeader) portID() uint32   { return binary.LittleEndian.Uint32(h[4:8]) }

func newHeader(c cmd, portID uint32, payloadLen int) rawHeader {
	var h rawHeader
	h[0] = protocolVersion
	h[1] = byte(c)
	binary.LittleEndian.PutUint16(h[2:4], uint16(payloadLen))
	binary.LittleEndian.PutUint32(h[4:8], portID)
	return h
}

// frame is one parsed protocol message: a header plus its payload bytes.
type frame struct {
	cmd     cmd
	portID  uint32
	payload []byte
}

func newFrame(c cmd, portID uint32, payload []byte) frame {
	return frame{cmd: c, portID: portID, payload: payload}
}

// Direction identifies which half of a port a HANGUP frame closes.
type Direction byte

const (
	DirSend Direction = 0
	DirRecv Direction = 1
)

// RejectReason is carried in a REJECTED frame payload.
type RejectReason byte

const (
	RejectRefused       RejectReason = 0
	RejectLimitReached  RejectReason = 1
	RejectUnknownUserID RejectReason = 2
)

// readFrame reads exactly one frame from r. It returns io.EOF only when the
// peer closed cleanly between frames (i.e. while reading a header).
func readFrame(r io.Reader, maxPayload int) (frame, error) {
	var hdr rawHeader
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	if hdr.version() != protocolVersion {
		return frame{}, &ProtocolError{Kind: ProtoUnexpectedState, Detail: fmt.Sprintf("unsupported version %d", hdr.version())}
	}
	n := int(hdr.length())
	if n > maxPayload {
		return frame{}, &ProtocolError{Kind: ProtoOversizeFrame, Detail: fmt.Sprintf("frame payload %d exceeds limit %d", n, maxPayload)}
	}
	var payload []byte
	if n > 0 {
		payload = make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return frame{}, err
		}
	}
	switch hdr.command() {
	case cmdHello, cmdOpen, cmdOpened, cmdRejected, cmdData, cmdPortData,
		cmdCredit, cmdHangup, cmdGoodbye, cmdPing, cmdPong, cmdBackchannel:
		// known
	default:
		return frame{}, &ProtocolError{Kind: ProtoUnknownFrame, Detail: hdr.command().String()}
	}
	return frame{cmd: hdr.command(), portID: hdr.portID(), payload: payload}, nil
}

// writeFrame serializes f into a single header+payload buffer. Callers that
// want scatter-gather writes use newHeader/f.payload directly instead
// (see mux.go's writer loop, which uses sing/bufio's vectorised writer when
// the transport supports it).
func writeFrame(w io.Writer, f frame) error {
	if len(f.payload) > maxFramePayload {
		return &ProtocolError{Kind: ProtoOversizeFrame, Detail: "payload exceeds frame limit"}
	}
	hdr := newHeader(f.cmd, f.portID, len(f.payload))
	buf := make([]byte, headerSize+len(f.payload))
	copy(buf, hdr[:])
	copy(buf[headerSize:], f.payload)
	_, err := w.Write(buf)
	return err
}

// --- typed payload helpers -------------------------------------------------

func encodeOpen(requestID uint32, userID uint32, hasUserID bool) []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint32(buf[0:4], requestID)
	binary.LittleEndian.PutUint32(buf[4:8], userID)
	if hasUserID {
		buf[8] = 1
	}
	return buf
}

func decodeOpen(p []byte) (requestID, userID uint32, hasUserID bool, err error) {
	if len(p) < 9 {
		return 0, 0, false, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short OPEN payload"}
	}
	requestID = binary.LittleEndian.Uint32(p[0:4])
	userID = binary.LittleEndian.Uint32(p[4:8])
	hasUserID = p[8] != 0
	return
}

func encodeOpened(requestID, peerPortID, initialCredits uint32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], requestID)
	binary.LittleEndian.PutUint32(buf[4:8], peerPortID)
	binary.LittleEndian.PutUint32(buf[8:12], initialCredits)
	return buf
}

func decodeOpened(p []byte) (requestID, peerPortID, initialCredits uint32, err error) {
	if len(p) < 12 {
		return 0, 0, 0, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short OPENED payload"}
	}
	requestID = binary.LittleEndian.Uint32(p[0:4])
	peerPortID = binary.LittleEndian.Uint32(p[4:8])
	initialCredits = binary.LittleEndian.Uint32(p[8:12])
	return
}

func encodeRejected(requestID uint32, reason RejectReason) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], requestID)
	buf[4] = byte(reason)
	return buf
}

func decodeRejected(p []byte) (requestID uint32, reason RejectReason, err error) {
	if len(p) < 5 {
		return 0, 0, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short REJECTED payload"}
	}
	return binary.LittleEndian.Uint32(p[0:4]), RejectReason(p[4]), nil
}

func encodeCredit(delta uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, delta)
	return buf
}

func decodeCredit(p []byte) (uint32, error) {
	if len(p) < 4 {
		return 0, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short CREDIT payload"}
	}
	return binary.LittleEndian.Uint32(p), nil
}

func encodeHangup(dir Direction) []byte { return []byte{byte(dir)} }

func decodeHangup(p []byte) (Direction, error) {
	if len(p) < 1 {
		return 0, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short HANGUP payload"}
	}
	return Direction(p[0]), nil
}

func encodePing(nonce uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, nonce)
	return buf
}

func decodePing(p []byte) (uint64, error) {
	if len(p) < 8 {
		return 0, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short PING/PONG payload"}
	}
	return binary.LittleEndian.Uint64(p), nil
}

// helloPayload carries the connect-time negotiation described in spec.md
// §4.3: feature bitmask, chunk size, receive buffer, and a connection-id
// nonce. The protocol version travels in the frame header, not here.
type helloPayload struct {
	features     byte
	chunkSize    uint32
	receiveBuf   uint32
	nonce        uint64
}

const featurePortData byte = 1 << 0

func encodeHello(h helloPayload) []byte {
	buf := make([]byte, 17)
	buf[0] = h.features
	binary.LittleEndian.PutUint32(buf[1:5], h.chunkSize)
	binary.LittleEndian.PutUint32(buf[5:9], h.receiveBuf)
	binary.LittleEndian.PutUint64(buf[9:17], h.nonce)
	return buf
}

func decodeHello(p []byte) (helloPayload, error) {
	if len(p) < 17 {
		return helloPayload{}, &ProtocolError{Kind: ProtoUnexpectedState, Detail: "short HELLO payload"}
	}
	return helloPayload{
		features:   p[0],
		chunkSize:  binary.LittleEndian.Uint32(p[1:5]),
		receiveBuf: binary.LittleEndian.Uint32(p[5:9]),
		nonce:      binary.LittleEndian.Uint64(p[9:17]),
	}, nil
}
