// Package wire encodes the unicast protocol's datagrams.
//
// Every datagram starts with a fixed 28 byte header:
//
//	type:1 flags:1 checksum:2 conn_id:8 seqno:8 aux:8
//
// followed by the payload (data datagrams only). The checksum is the
// internet checksum over the whole datagram with the checksum field zeroed.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const HeaderLen = 28

type Type uint8

const (
	TypeData Type = iota + 1
	TypeAck
	TypeNak
	TypeSendFirstSeqno
	TypeStale
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeSendFirstSeqno:
		return "SEND_FIRST_SEQNO"
	case TypeStale:
		return "STALE"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

const (
	FlagFirst uint8 = 1 << iota
	FlagOOB
)

var (
	ErrShort    = errors.New("datagram shorter than header")
	ErrType     = errors.New("unknown datagram type")
	ErrChecksum = errors.New("checksum mismatch")
)

// Datagram is the decoded form of one wire datagram. The meaning of Seqno
// and Aux depends on Type:
//
//	DATA              Seqno = message seqno
//	ACK               Seqno = highest delivered (cumulative)
//	NAK               Seqno..Aux = missing range
//	SEND_FIRST_SEQNO  ConnID = epoch the receiver has no state for
//	STALE             ConnID = receiver's stored epoch, Aux = rejected epoch
type Datagram struct {
	Type    Type
	Flags   uint8
	ConnID  uint64
	Seqno   uint64
	Aux     uint64
	Payload []byte
}

func (d *Datagram) First() bool { return d.Flags&FlagFirst != 0 }
func (d *Datagram) OOB() bool   { return d.Flags&FlagOOB != 0 }

func (d *Datagram) String() string {
	return fmt.Sprintf("%s conn=%d seqno=%d aux=%d flags=%#x len=%d",
		d.Type, d.ConnID, d.Seqno, d.Aux, d.Flags, len(d.Payload))
}

// Encode serializes d into a freshly allocated buffer.
func Encode(d *Datagram) []byte {
	buf := make([]byte, HeaderLen+len(d.Payload))
	buf[0] = byte(d.Type)
	buf[1] = d.Flags
	binary.BigEndian.PutUint64(buf[4:12], d.ConnID)
	binary.BigEndian.PutUint64(buf[12:20], d.Seqno)
	binary.BigEndian.PutUint64(buf[20:28], d.Aux)
	copy(buf[HeaderLen:], d.Payload)
	binary.BigEndian.PutUint16(buf[2:4], header.Checksum(buf, 0))
	return buf
}

// Decode parses buf. The returned payload aliases buf.
func Decode(buf []byte) (*Datagram, error) {
	if len(buf) < HeaderLen {
		return nil, errors.Wrapf(ErrShort, "got %d bytes", len(buf))
	}
	want := binary.BigEndian.Uint16(buf[2:4])
	if got := checksum(buf); got != want {
		return nil, errors.Wrapf(ErrChecksum, "got %#04x, want %#04x", got, want)
	}
	d := &Datagram{
		Type:   Type(buf[0]),
		Flags:  buf[1],
		ConnID: binary.BigEndian.Uint64(buf[4:12]),
		Seqno:  binary.BigEndian.Uint64(buf[12:20]),
		Aux:    binary.BigEndian.Uint64(buf[20:28]),
	}
	if d.Type < TypeData || d.Type > TypeStale {
		return nil, errors.Wrapf(ErrType, "type %d", buf[0])
	}
	if len(buf) > HeaderLen {
		d.Payload = buf[HeaderLen:]
	}
	return d, nil
}

// checksum recomputes the datagram checksum without modifying buf.
func checksum(buf []byte) uint16 {
	sum := header.Checksum(buf[:2], 0)
	sum = header.Checksum([]byte{0, 0}, sum)
	return header.Checksum(buf[4:], sum)
}
