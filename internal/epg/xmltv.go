package epg

import "encoding/xml"

// XMLTV document model. Optional elements that some guide parsers choke on
// when present but empty (notably <url>) are left out entirely.

const xmltvTimeLayout = "20060102150405 -0700"

type tvDoc struct {
	XMLName       xml.Name      `xml:"tv"`
	GeneratorName string        `xml:"generator-info-name,attr"`
	Channels      []tvChannel   `xml:"channel"`
	Programmes    []tvProgramme `xml:"programme"`
}

type tvChannel struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         *tvIcon  `xml:"icon"`
}

type tvIcon struct {
	Src string `xml:"src,attr"`
}

type tvProgramme struct {
	Start      string        `xml:"start,attr"`
	Stop       string        `xml:"stop,attr"`
	Channel    string        `xml:"channel,attr"`
	Title      string        `xml:"title"`
	SubTitle   string        `xml:"sub-title,omitempty"`
	Date       string        `xml:"date,omitempty"`
	Categories []string      `xml:"category"`
	EpisodeNum *tvEpisodeNum `xml:"episode-num"`
}

type tvEpisodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}
