package tuner

// MPEG-TS program specific information packets for the cold-start
// keepalive. PID values match the ffmpeg mpegts muxer defaults
// (mpegts_pmt_start_pid=0x1000, mpegts_start_pid=0x100) so the keepalive
// declares the same program structure the real stream will carry.

import "io"

const (
	psiPMTPID   = 0x1000
	psiVideoPID = 0x0100
	psiAudioPID = 0x0101

	tsPacketSize = 188
)

// sectionCRC32 is the MPEG-2 section CRC (poly 0x04C11DB7, init all-ones,
// MSB-first, no reflection, no final XOR).
func sectionCRC32(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		for i := 0; i < 8; i++ {
			if (crc^(uint32(b)<<24))&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
			b <<= 1
		}
	}
	return crc
}

// patPacket builds a 188-byte PAT declaring program 1 at psiPMTPID. cc is
// the 4-bit continuity counter for PID 0.
func patPacket(cc uint8) [tsPacketSize]byte {
	var pkt [tsPacketSize]byte
	pkt[0] = 0x47
	pkt[1] = 0x40 // payload_unit_start, PID 0
	pkt[2] = 0x00
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field
	s := pkt[5:]
	s[0] = 0x00 // table_id: PAT
	s[1] = 0xB0
	s[2] = 0x0D // section_length 13
	s[3] = 0x00
	s[4] = 0x01 // transport_stream_id 1
	s[5] = 0xC1 // version 0, current_next 1
	s[6] = 0x00
	s[7] = 0x00
	s[8] = 0x00
	s[9] = 0x01 // program_number 1
	s[10] = byte(0xE0 | ((psiPMTPID >> 8) & 0x1F))
	s[11] = byte(psiPMTPID & 0xFF)
	crc := sectionCRC32(pkt[5:17])
	s[12] = byte(crc >> 24)
	s[13] = byte(crc >> 16)
	s[14] = byte(crc >> 8)
	s[15] = byte(crc)
	for i := 21; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// pmtPacket builds a 188-byte PMT for program 1 declaring H264 video and
// AAC audio at the default elementary PIDs. cc is the continuity counter
// for psiPMTPID.
func pmtPacket(cc uint8) [tsPacketSize]byte {
	var pkt [tsPacketSize]byte
	pkt[0] = 0x47
	pkt[1] = byte(0x40 | ((psiPMTPID >> 8) & 0x1F))
	pkt[2] = byte(psiPMTPID & 0xFF)
	pkt[3] = 0x10 | (cc & 0x0F)
	pkt[4] = 0x00 // pointer_field
	s := pkt[5:]
	s[0] = 0x02 // table_id: PMT
	s[1] = 0xB0
	s[2] = 0x17 // section_length 23
	s[3] = 0x00
	s[4] = 0x01 // program_number 1
	s[5] = 0xC1
	s[6] = 0x00
	s[7] = 0x00
	s[8] = byte(0xE0 | ((psiVideoPID >> 8) & 0x1F)) // PCR PID = video
	s[9] = byte(psiVideoPID & 0xFF)
	s[10] = 0xF0 // program_info_length 0
	s[11] = 0x00
	s[12] = 0x1B // H264
	s[13] = byte(0xE0 | ((psiVideoPID >> 8) & 0x1F))
	s[14] = byte(psiVideoPID & 0xFF)
	s[15] = 0xF0
	s[16] = 0x00
	s[17] = 0x0F // AAC
	s[18] = byte(0xE0 | ((psiAudioPID >> 8) & 0x1F))
	s[19] = byte(psiAudioPID & 0xFF)
	s[20] = 0xF0
	s[21] = 0x00
	crc := sectionCRC32(pkt[5:27])
	s[22] = byte(crc >> 24)
	s[23] = byte(crc >> 16)
	s[24] = byte(crc >> 8)
	s[25] = byte(crc)
	for i := 31; i < tsPacketSize; i++ {
		pkt[i] = 0xFF
	}
	return pkt
}

// psiKeepalive emits PAT+PMT pairs with properly advancing continuity
// counters so the packets are structurally continuous across ticks.
type psiKeepalive struct {
	patCC uint8
	pmtCC uint8
}

func newPSIKeepalive() *psiKeepalive {
	return &psiKeepalive{}
}

// WriteTo writes one PAT+PMT pair and returns the byte count.
func (k *psiKeepalive) WriteTo(w io.Writer) (int64, error) {
	pat := patPacket(k.patCC)
	pmt := pmtPacket(k.pmtCC)
	k.patCC = (k.patCC + 1) & 0x0F
	k.pmtCC = (k.pmtCC + 1) & 0x0F

	var total int64
	n, err := w.Write(pat[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(pmt[:])
	total += int64(n)
	return total, err
}
