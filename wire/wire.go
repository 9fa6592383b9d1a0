// Package wire implements the message codec: a fixed header plus an
// ordered sequence of typed parameters, encoded big-endian on the wire,
// with a send/recv contract over a netio.Socket.
//
// Grounded on facebook-time's NTP protocol.Packet (binary.BigEndian
// fixed-layout header encode/decode, the corpus's own idiom for fixed
// wire headers) generalized from a single fixed struct to a header plus
// a variable, heterogeneous parameter list, and on gaio's Request/
// OpResult shape for the message's iteration-cursor API.
package wire

import (
	"encoding/binary"

	"go.uber.org/zap"

	"github.com/xtaci/dcore/dlist"
	"github.com/xtaci/dcore/errs"
	"github.com/xtaci/dcore/netio"
)

// log is the package-wide diagnostic sink for deserialize rejections;
// gaio and the rest of the corpus have no equivalent codec layer to
// ground a per-Message logger on, so wire follows trpc-group-tnet's
// package-level logger convention instead of threading a *zap.Logger
// through every call. Defaults to silent; SetLogger installs a real one.
var log = zap.NewNop().Sugar()

// SetLogger installs l as the destination for wire's diagnostic
// messages (malformed deserialize rejections). Passing nil restores
// silence.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	log = l.Sugar()
}

// HeaderSize is the fixed on-wire size of a message header.
const HeaderSize = 4 + 1 + 1 + 2 + 4 + 4 + 4 + 4

// ParamHeaderSize is the fixed on-wire size of a parameter header.
const ParamHeaderSize = 2 + 2 + 4

type param struct {
	typ  uint16
	body []byte
}

// Message is a header plus an ordered list of (type, body) parameters.
type Message struct {
	magic   uint32
	major   uint8
	minor   uint8
	cmd     uint16
	status  uint32
	reqID   uint32
	params  *dlist.List[param]
	numPars int
}

// New returns an empty Message carrying the given magic and protocol
// version.
func New(magic uint32, major, minor uint8) *Message {
	return &Message{magic: magic, major: major, minor: minor, params: dlist.New[param]()}
}

// SetCmd sets the message's command field.
func (m *Message) SetCmd(cmd uint16) { m.cmd = cmd }

// SetStatus sets the message's status field.
func (m *Message) SetStatus(status uint32) { m.status = status }

// SetReqID sets the message's request id field.
func (m *Message) SetReqID(id uint32) { m.reqID = id }

// GetMagic returns the message's magic field.
func (m *Message) GetMagic() uint32 { return m.magic }

// GetMajor returns the message's major version field.
func (m *Message) GetMajor() uint8 { return m.major }

// GetMinor returns the message's minor version field.
func (m *Message) GetMinor() uint8 { return m.minor }

// GetCmd returns the message's command field.
func (m *Message) GetCmd() uint16 { return m.cmd }

// GetStatus returns the message's status field.
func (m *Message) GetStatus() uint32 { return m.status }

// GetReqID returns the message's request id field.
func (m *Message) GetReqID() uint32 { return m.reqID }

// GetParamNum returns the number of parameters currently on the message.
func (m *Message) GetParamNum() int { return m.numPars }

// GetLen returns the message's total on-wire length: the header plus,
// for every parameter, its parameter-header and body.
func (m *Message) GetLen() int {
	total := HeaderSize
	for e := m.params.Front(); e != nil; e = e.Next() {
		total += ParamHeaderSize + len(e.Value.body)
	}
	return total
}

// AddParam appends a parameter of the given type carrying a copy of
// body, updating the header's parameter count and total length.
// Multiple parameters with the same type are legal.
func (m *Message) AddParam(typ uint16, body []byte) (int, error) {
	cp := make([]byte, len(body))
	copy(cp, body)
	m.params.PushBack(param{typ: typ, body: cp})
	m.numPars++
	return len(cp), nil
}

// GetParamByIndex returns the i-th parameter (0-based), or ok=false if
// i is out of range.
func (m *Message) GetParamByIndex(i int) (typ uint16, body []byte, ok bool) {
	if i < 0 || i >= m.numPars {
		return 0, nil, false
	}
	e := m.params.Front()
	for ; i > 0 && e != nil; i-- {
		e = e.Next()
	}
	if e == nil {
		return 0, nil, false
	}
	return e.Value.typ, e.Value.body, true
}

// GetParamByType returns the first parameter whose type equals t.
func (m *Message) GetParamByType(t uint16) (body []byte, ok bool) {
	for e := m.params.Front(); e != nil; e = e.Next() {
		if e.Value.typ == t {
			return e.Value.body, true
		}
	}
	return nil, false
}

// Cursor walks a message's parameter list one entry at a time. The zero
// Cursor denotes "before the first parameter".
type Cursor struct {
	next *dlist.Element[param]
	init bool
}

// IterateParams advances cur and returns the next parameter, or
// ok=false once the list is exhausted.
func (m *Message) IterateParams(cur *Cursor) (typ uint16, body []byte, ok bool) {
	if !cur.init {
		cur.next = m.params.Front()
		cur.init = true
	}
	if cur.next == nil {
		return 0, nil, false
	}
	v := cur.next.Value
	cur.next = cur.next.Next()
	return v.typ, v.body, true
}

func putHeader(dst []byte, m *Message) {
	binary.BigEndian.PutUint32(dst[0:4], m.magic)
	dst[4] = m.major
	dst[5] = m.minor
	binary.BigEndian.PutUint16(dst[6:8], m.cmd)
	binary.BigEndian.PutUint32(dst[8:12], m.status)
	binary.BigEndian.PutUint32(dst[12:16], m.reqID)
	binary.BigEndian.PutUint32(dst[16:20], uint32(m.numPars))
	binary.BigEndian.PutUint32(dst[20:24], uint32(m.GetLen()))
}

func getHeader(src []byte) (magic uint32, major, minor uint8, cmd uint16, status, reqID, numPars, length uint32) {
	magic = binary.BigEndian.Uint32(src[0:4])
	major = src[4]
	minor = src[5]
	cmd = binary.BigEndian.Uint16(src[6:8])
	status = binary.BigEndian.Uint32(src[8:12])
	reqID = binary.BigEndian.Uint32(src[12:16])
	numPars = binary.BigEndian.Uint32(src[16:20])
	length = binary.BigEndian.Uint32(src[20:24])
	return
}

// IOV produces a scatter/gather view of the message: the header, then
// every parameter header, then every parameter body, in that order.
// Entries alias m and must not outlive it or any later mutation of m.
func (m *Message) IOV() ([][]byte, bool) {
	hdr := make([]byte, HeaderSize)
	putHeader(hdr, m)
	iov := [][]byte{hdr}

	for e := m.params.Front(); e != nil; e = e.Next() {
		ph := make([]byte, ParamHeaderSize)
		binary.BigEndian.PutUint16(ph[0:2], e.Value.typ)
		ph[2], ph[3] = 0, 0
		binary.BigEndian.PutUint32(ph[4:8], uint32(len(e.Value.body)))
		iov = append(iov, ph)
	}
	for e := m.params.Front(); e != nil; e = e.Next() {
		if len(e.Value.body) > 0 {
			iov = append(iov, e.Value.body)
		}
	}
	return iov, true
}

// Serialize produces m's contiguous on-wire encoding.
func (m *Message) Serialize() []byte {
	out := make([]byte, m.GetLen())
	putHeader(out, m)
	off := HeaderSize
	// parameter headers first, in parameter order
	hdrOff := off
	bodyOff := off + m.numPars*ParamHeaderSize
	for e := m.params.Front(); e != nil; e = e.Next() {
		binary.BigEndian.PutUint16(out[hdrOff:hdrOff+2], e.Value.typ)
		out[hdrOff+2], out[hdrOff+3] = 0, 0
		binary.BigEndian.PutUint32(out[hdrOff+4:hdrOff+8], uint32(len(e.Value.body)))
		hdrOff += ParamHeaderSize

		copy(out[bodyOff:], e.Value.body)
		bodyOff += len(e.Value.body)
	}
	return out
}

// Deserialize parses a complete in-memory message from buf, rejecting
// it with errs.Malformed if the parameter count is inconsistent with
// the body length.
func Deserialize(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, errs.New(errs.Malformed)
	}
	return DeserializeParts(buf[:HeaderSize], buf[HeaderSize:])
}

// DeserializeParts parses a message from a header read separately from
// its body, matching the natural two-read receive pattern: read
// HeaderSize bytes, learn the total length, then read the remainder.
func DeserializeParts(hdr, body []byte) (*Message, error) {
	if len(hdr) != HeaderSize {
		return nil, errs.New(errs.Malformed)
	}
	magic, major, minor, cmd, status, reqID, numPars, length := getHeader(hdr)
	if int(length) != HeaderSize+len(body) {
		log.Debugw("malformed message: length mismatch", "declared", length, "got", HeaderSize+len(body))
		return nil, errs.New(errs.Malformed)
	}

	m := New(magic, major, minor)
	m.cmd = cmd
	m.status = status
	m.reqID = reqID

	off := 0
	type phdr struct {
		typ uint16
		n   uint32
	}
	phdrs := make([]phdr, 0, numPars)
	for i := uint32(0); i < numPars; i++ {
		if off+ParamHeaderSize > len(body) {
			return nil, errs.New(errs.Malformed)
		}
		typ := binary.BigEndian.Uint16(body[off : off+2])
		n := binary.BigEndian.Uint32(body[off+4 : off+8])
		phdrs = append(phdrs, phdr{typ: typ, n: n})
		off += ParamHeaderSize
	}

	declaredTotal := ParamHeaderSize*int(numPars) + 0
	for _, p := range phdrs {
		declaredTotal += int(p.n)
	}
	if declaredTotal != len(body) {
		log.Debugw("malformed message: param count/length mismatch", "param_num", numPars, "declared_total", declaredTotal, "body_len", len(body))
		return nil, errs.New(errs.Malformed)
	}

	for _, p := range phdrs {
		if off+int(p.n) > len(body) {
			return nil, errs.New(errs.Malformed)
		}
		if _, err := m.AddParam(p.typ, body[off:off+int(p.n)]); err != nil {
			return nil, err
		}
		off += int(p.n)
	}
	return m, nil
}

// Send writes m to net via a single scatter/gather call, returning the
// number of bytes sent.
func Send(m *Message, net *netio.Socket) (int, error) {
	iov, ok := m.IOV()
	if !ok {
		return 0, errs.New(errs.InvalidArgument)
	}
	n, err := net.SendV(iov)
	if err != nil {
		return n, err
	}
	if n != m.GetLen() {
		return n, errs.New(errs.ShortRead)
	}
	return n, nil
}

// Recv reads exactly HeaderSize bytes from net, then header.len -
// HeaderSize further bytes, then parses the result.
func Recv(net *netio.Socket) (*Message, error) {
	hdr := make([]byte, HeaderSize)
	n, err := net.Recv(hdr)
	if err != nil {
		return nil, err
	}
	if n != HeaderSize {
		return nil, errs.New(errs.ShortRead)
	}

	_, _, _, _, _, _, _, length := getHeader(hdr)
	if int(length) < HeaderSize {
		return nil, errs.New(errs.Malformed)
	}
	bodyLen := int(length) - HeaderSize
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		n, err = net.Recv(body)
		if err != nil {
			return nil, err
		}
		if n != bodyLen {
			return nil, errs.New(errs.ShortRead)
		}
	}

	return DeserializeParts(hdr, body)
}
