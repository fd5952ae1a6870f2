package tuner

import (
	"bytes"
	"testing"
)

func TestPATPacketStructure(t *testing.T) {
	pkt := patPacket(3)
	if pkt[0] != 0x47 {
		t.Fatalf("sync byte = %#x, want 0x47", pkt[0])
	}
	if pkt[1] != 0x40 || pkt[2] != 0x00 {
		t.Fatalf("PAT must carry PUSI on PID 0, got %#x %#x", pkt[1], pkt[2])
	}
	if cc := pkt[3] & 0x0F; cc != 3 {
		t.Fatalf("continuity counter = %d, want 3", cc)
	}
	// PMT PID in the program loop.
	pid := (int(pkt[15]&0x1F) << 8) | int(pkt[16])
	if pid != psiPMTPID {
		t.Fatalf("PMT PID = %#x, want %#x", pid, psiPMTPID)
	}
	// CRC must match a recomputation over the section body.
	want := sectionCRC32(pkt[5:17])
	got := uint32(pkt[17])<<24 | uint32(pkt[18])<<16 | uint32(pkt[19])<<8 | uint32(pkt[20])
	if got != want {
		t.Fatalf("CRC = %#x, want %#x", got, want)
	}
	for i := 21; i < tsPacketSize; i++ {
		if pkt[i] != 0xFF {
			t.Fatalf("padding byte %d = %#x, want 0xFF", i, pkt[i])
		}
	}
}

func TestPMTPacketStructure(t *testing.T) {
	pkt := pmtPacket(0)
	if pkt[0] != 0x47 {
		t.Fatalf("sync byte = %#x, want 0x47", pkt[0])
	}
	pid := (int(pkt[1]&0x1F) << 8) | int(pkt[2])
	if pid != psiPMTPID {
		t.Fatalf("packet PID = %#x, want %#x", pid, psiPMTPID)
	}
	if pkt[5] != 0x02 {
		t.Fatalf("table id = %#x, want PMT (0x02)", pkt[5])
	}
	// Stream entries: H264 video then AAC audio.
	if pkt[17] != 0x1B {
		t.Fatalf("video stream_type = %#x, want 0x1B", pkt[17])
	}
	if pkt[22] != 0x0F {
		t.Fatalf("audio stream_type = %#x, want 0x0F", pkt[22])
	}
	want := sectionCRC32(pkt[5:27])
	got := uint32(pkt[27])<<24 | uint32(pkt[28])<<16 | uint32(pkt[29])<<8 | uint32(pkt[30])
	if got != want {
		t.Fatalf("CRC = %#x, want %#x", got, want)
	}
}

func TestSectionCRC32KnownVector(t *testing.T) {
	// CRC of the empty message is the init value.
	if got := sectionCRC32(nil); got != 0xFFFFFFFF {
		t.Fatalf("crc(nil) = %#x, want 0xFFFFFFFF", got)
	}
	// Changing one bit must change the CRC.
	a := sectionCRC32([]byte{0x00, 0x01})
	b := sectionCRC32([]byte{0x00, 0x03})
	if a == b {
		t.Fatal("CRC collision on single-bit difference")
	}
}

func TestKeepaliveAdvancesContinuityCounters(t *testing.T) {
	k := newPSIKeepalive()
	var buf bytes.Buffer
	for i := 0; i < 18; i++ {
		n, err := k.WriteTo(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if n != 2*tsPacketSize {
			t.Fatalf("wrote %d bytes, want %d", n, 2*tsPacketSize)
		}
	}
	data := buf.Bytes()
	for i := 0; i < 18; i++ {
		pat := data[i*2*tsPacketSize:]
		pmt := data[i*2*tsPacketSize+tsPacketSize:]
		wantCC := byte(i % 16)
		if cc := pat[3] & 0x0F; cc != wantCC {
			t.Fatalf("pair %d: PAT cc = %d, want %d", i, cc, wantCC)
		}
		if cc := pmt[3] & 0x0F; cc != wantCC {
			t.Fatalf("pair %d: PMT cc = %d, want %d", i, cc, wantCC)
		}
	}
}
