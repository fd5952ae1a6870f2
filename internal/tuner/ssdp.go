package tuner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

const (
	ssdpAddr     = "239.255.255.250:1900"
	ssdpMaxAge   = 300
	ssdpDeviceST = "urn:schemas-upnp-org:device:MediaServer:1"
)

// SSDP answers M-SEARCH queries and periodically announces the device so
// LAN media servers discover the tuner without configuration.
type SSDP struct {
	Location         string // absolute URL of device.xml
	DeviceID         string
	FriendlyName     string
	AnnounceInterval time.Duration

	log zerolog.Logger
}

func NewSSDP(location, deviceID, friendlyName string, announce time.Duration, logger zerolog.Logger) *SSDP {
	if announce <= 0 {
		announce = ssdpMaxAge * time.Second
	}
	return &SSDP{
		Location:         location,
		DeviceID:         deviceID,
		FriendlyName:     friendlyName,
		AnnounceInterval: announce,
		log:              logger.With().Str("component", "ssdp").Logger(),
	}
}

// Run blocks until ctx ends. It joins the SSDP multicast group on every
// multicast-capable interface, answers M-SEARCH, and sends periodic
// ssdp:alive NOTIFYs.
func (s *SSDP) Run(ctx context.Context) error {
	if s.Location == "" {
		s.log.Warn().Msg("no reachable base url, ssdp disabled")
		<-ctx.Done()
		return nil
	}

	group, err := net.ResolveUDPAddr("udp4", ssdpAddr)
	if err != nil {
		return fmt.Errorf("tuner: resolve ssdp group: %w", err)
	}
	conn, err := net.ListenPacket("udp4", ":1900")
	if err != nil {
		return fmt.Errorf("tuner: listen ssdp: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	joined := 0
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		ifc := &ifaces[i]
		if ifc.Flags&net.FlagMulticast == 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(ifc, group); err == nil {
			joined++
		}
	}
	if joined == 0 {
		s.log.Warn().Msg("joined no multicast groups, relying on unicast M-SEARCH only")
	}
	_ = pc.SetMulticastTTL(2)

	s.log.Info().Str("location", s.Location).Int("interfaces", joined).Msg("ssdp listening")

	stopAnnounce := make(chan struct{})
	go s.announceLoop(ctx, pc, group, stopAnnounce)
	defer close(stopAnnounce)

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, src, err := pc.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Debug().Err(err).Msg("ssdp read")
			continue
		}
		msg := string(buf[:n])
		if !strings.Contains(msg, "M-SEARCH") {
			continue
		}
		if !searchMatches(msg) {
			continue
		}
		if _, err := pc.WriteTo([]byte(s.searchResponse()), nil, src); err != nil {
			s.log.Debug().Err(err).Str("to", src.String()).Msg("ssdp respond")
		}
	}
}

// announceLoop sends ssdp:alive NOTIFYs on a fixed interval, with an
// initial announcement shortly after startup.
func (s *SSDP) announceLoop(ctx context.Context, pc *ipv4.PacketConn, group *net.UDPAddr, stop <-chan struct{}) {
	notify := func() {
		if _, err := pc.WriteTo([]byte(s.notifyAlive()), nil, group); err != nil {
			s.log.Debug().Err(err).Msg("ssdp notify")
		}
	}
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-stop:
		return
	case <-timer.C:
		notify()
	}

	ticker := time.NewTicker(s.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			notify()
		}
	}
}

// searchMatches accepts searches for everything, for generic media
// servers, and for basic devices; anything narrower is not for us.
func searchMatches(msg string) bool {
	return strings.Contains(msg, "ssdp:all") ||
		strings.Contains(msg, ssdpDeviceST) ||
		strings.Contains(msg, "urn:schemas-upnp-org:device:Basic:1") ||
		strings.Contains(msg, "upnp:rootdevice")
}

func (s *SSDP) searchResponse() string {
	return "HTTP/1.1 200 OK\r\n" +
		fmt.Sprintf("CACHE-CONTROL: max-age=%d\r\n", ssdpMaxAge) +
		"EXT:\r\n" +
		fmt.Sprintf("LOCATION: %s\r\n", s.Location) +
		"SERVER: Airwave/1.0 UPnP/1.0\r\n" +
		fmt.Sprintf("ST: %s\r\n", ssdpDeviceST) +
		fmt.Sprintf("USN: uuid:%s::%s\r\n", s.DeviceID, ssdpDeviceST) +
		"\r\n"
}

func (s *SSDP) notifyAlive() string {
	return "NOTIFY * HTTP/1.1\r\n" +
		fmt.Sprintf("HOST: %s\r\n", ssdpAddr) +
		fmt.Sprintf("CACHE-CONTROL: max-age=%d\r\n", ssdpMaxAge) +
		fmt.Sprintf("LOCATION: %s\r\n", s.Location) +
		fmt.Sprintf("NT: %s\r\n", ssdpDeviceST) +
		"NTS: ssdp:alive\r\n" +
		"SERVER: Airwave/1.0 UPnP/1.0\r\n" +
		fmt.Sprintf("USN: uuid:%s::%s\r\n", s.DeviceID, ssdpDeviceST) +
		"\r\n"
}

// DeviceXMLLocation builds the absolute device.xml URL from a configured
// base URL, falling back to the LAN address plus the listen port.
func DeviceXMLLocation(baseURL, listenAddr string) string {
	base := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if base == "" {
		host := lanHost()
		if host == "" {
			return ""
		}
		_, port, err := net.SplitHostPort(listenAddr)
		if err != nil || port == "" {
			port = "5004"
		}
		base = "http://" + net.JoinHostPort(host, port)
	}
	return base + "/device.xml"
}

func lanHost() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
