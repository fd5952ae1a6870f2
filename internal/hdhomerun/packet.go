// Package hdhomerun speaks the HDHomeRun UDP discovery protocol so clients
// that probe port 65001 directly (Plex does, alongside SSDP) find the tuner.
//
// Wire format, per libhdhomerun: big-endian type and payload length, TLV
// payload, then a little-endian IEEE CRC32 over everything before it.
package hdhomerun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	TypeDiscoverReq = 0x0002
	TypeDiscoverRpy = 0x0003
)

// TLV tags used in discovery.
const (
	TagDeviceType    = 0x01
	TagDeviceID      = 0x02
	TagTunerCount    = 0x10
	TagLineupURL     = 0x27
	TagBaseURL       = 0x2A
	TagDeviceAuthStr = 0x2B
)

const (
	DeviceTypeWildcard = 0xFFFFFFFF
	DeviceTypeTuner    = 0x00000001
	DeviceIDWildcard   = 0xFFFFFFFF
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// Packet is one framed HDHomeRun message.
type Packet struct {
	Type    uint16
	Payload []byte
}

func (p Packet) Marshal() []byte {
	buf := make([]byte, 4+len(p.Payload)+4)
	binary.BigEndian.PutUint16(buf[0:2], p.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[4:], p.Payload)
	crc := crc32.Checksum(buf[:4+len(p.Payload)], crcTable)
	binary.LittleEndian.PutUint32(buf[4+len(p.Payload):], crc)
	return buf
}

func Unmarshal(data []byte) (Packet, error) {
	if len(data) < 8 {
		return Packet{}, errors.New("hdhomerun: packet too short")
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+length+4 {
		return Packet{}, fmt.Errorf("hdhomerun: packet truncated: need %d, got %d", 4+length+4, len(data))
	}
	got := binary.LittleEndian.Uint32(data[4+length:])
	want := crc32.Checksum(data[:4+length], crcTable)
	if got != want {
		return Packet{}, fmt.Errorf("hdhomerun: crc mismatch: got %#08x, want %#08x", got, want)
	}
	p := Packet{Type: binary.BigEndian.Uint16(data[0:2])}
	if length > 0 {
		p.Payload = append([]byte(nil), data[4:4+length]...)
	}
	return p, nil
}

// TLV is one tag-length-value item. Lengths under 128 take one byte; longer
// values set the high bit and spill into a second byte.
type TLV struct {
	Tag   uint8
	Value []byte
}

func MarshalTLVs(tlvs []TLV) []byte {
	var buf []byte
	for _, t := range tlvs {
		buf = append(buf, t.Tag)
		n := len(t.Value)
		if n < 128 {
			buf = append(buf, byte(n))
		} else {
			buf = append(buf, byte(n&0x7F)|0x80, byte(n>>7))
		}
		buf = append(buf, t.Value...)
	}
	return buf
}

func UnmarshalTLVs(payload []byte) ([]TLV, error) {
	var tlvs []TLV
	pos := 0
	for pos < len(payload) {
		if pos+2 > len(payload) {
			return nil, errors.New("hdhomerun: truncated tlv")
		}
		tag := payload[pos]
		pos++
		n := int(payload[pos] & 0x7F)
		long := payload[pos]&0x80 != 0
		pos++
		if long {
			if pos >= len(payload) {
				return nil, errors.New("hdhomerun: truncated tlv length")
			}
			n |= int(payload[pos]) << 7
			pos++
		}
		if pos+n > len(payload) {
			return nil, fmt.Errorf("hdhomerun: truncated tlv value: need %d, have %d", n, len(payload)-pos)
		}
		tlvs = append(tlvs, TLV{Tag: tag, Value: append([]byte(nil), payload[pos:pos+n]...)})
		pos += n
	}
	return tlvs, nil
}

func findTLV(tlvs []TLV, tag uint8) ([]byte, bool) {
	for _, t := range tlvs {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return nil, false
}

func uint32TLV(tag uint8, v uint32) TLV {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return TLV{Tag: tag, Value: b}
}
