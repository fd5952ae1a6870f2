package hdhomerun

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DiscoverPort is where HDHomeRun clients broadcast discovery requests.
const DiscoverPort = 65001

// Device is the identity announced in discovery replies.
type Device struct {
	DeviceID   uint32
	TunerCount int
	BaseURL    string
	LineupURL  string
	DeviceAuth string
}

// ParseDeviceID converts the 8-hex-digit tuner id to its wire form.
func ParseDeviceID(id string) (uint32, error) {
	v, err := strconv.ParseUint(id, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("hdhomerun: bad device id %q: %w", id, err)
	}
	return uint32(v), nil
}

// Responder answers discovery requests on UDP port 65001.
type Responder struct {
	device Device
	log    zerolog.Logger
}

func NewResponder(device Device, logger zerolog.Logger) *Responder {
	return &Responder{
		device: device,
		log:    logger.With().Str("component", "hdhomerun").Logger(),
	}
}

// Run blocks until ctx ends, replying to every matching discovery request.
func (r *Responder) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: DiscoverPort})
	if err != nil {
		return fmt.Errorf("hdhomerun: listen discovery: %w", err)
	}
	defer conn.Close()

	r.log.Info().Int("port", DiscoverPort).
		Str("device_id", fmt.Sprintf("%08X", r.device.DeviceID)).
		Msg("discovery listening")

	reply := r.reply().Marshal()
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			r.log.Debug().Err(err).Msg("discovery read")
			continue
		}
		if !r.matches(buf[:n]) {
			continue
		}
		if _, err := conn.WriteToUDP(reply, src); err != nil {
			r.log.Debug().Err(err).Str("to", src.String()).Msg("discovery reply")
		}
	}
}

// matches reports whether data is a discovery request addressed to any
// tuner, or to this one specifically.
func (r *Responder) matches(data []byte) bool {
	pkt, err := Unmarshal(data)
	if err != nil || pkt.Type != TypeDiscoverReq {
		return false
	}
	tlvs, err := UnmarshalTLVs(pkt.Payload)
	if err != nil {
		return false
	}
	if v, ok := findTLV(tlvs, TagDeviceType); ok && len(v) >= 4 {
		if dt := binary.BigEndian.Uint32(v); dt != DeviceTypeWildcard && dt != DeviceTypeTuner {
			return false
		}
	}
	if v, ok := findTLV(tlvs, TagDeviceID); ok && len(v) >= 4 {
		if id := binary.BigEndian.Uint32(v); id != DeviceIDWildcard && id != r.device.DeviceID {
			return false
		}
	}
	return true
}

func (r *Responder) reply() Packet {
	tlvs := []TLV{
		uint32TLV(TagDeviceType, DeviceTypeTuner),
		uint32TLV(TagDeviceID, r.device.DeviceID),
		{Tag: TagTunerCount, Value: []byte{byte(r.device.TunerCount)}},
		{Tag: TagBaseURL, Value: []byte(r.device.BaseURL)},
		{Tag: TagLineupURL, Value: []byte(r.device.LineupURL)},
	}
	if r.device.DeviceAuth != "" {
		tlvs = append(tlvs, TLV{Tag: TagDeviceAuthStr, Value: []byte(r.device.DeviceAuth)})
	}
	return Packet{Type: TypeDiscoverRpy, Payload: MarshalTLVs(tlvs)}
}
