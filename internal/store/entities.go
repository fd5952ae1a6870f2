package store

import "time"

// Media source tags. Stored as text; the library registry maps them to
// resolver implementations.
const (
	SourceLocal      = "local"
	SourcePlex       = "plex"
	SourceJellyfin   = "jellyfin"
	SourceEmby       = "emby"
	SourceYouTube    = "youtube"
	SourceArchiveOrg = "archive_org"
	SourceHTTP       = "http"
)

// Channel streaming/transcode modes.
const (
	StreamingModeTS       = "transport_stream"
	StreamingModeTSHybrid = "transport_stream_hybrid"

	TranscodeOnDemand = "on_demand"
	TranscodeAlways   = "always"
	TranscodeCopyOnly = "copy_only"

	SubtitleNone  = "none"
	SubtitleEmbed = "embed"
	SubtitleBurn  = "burn"

	IdleStopOnDisconnect = "stop_on_disconnect"
	IdleKeepRunning      = "keep_running"
)

// Schedule slot enums.
const (
	StartDynamic = "dynamic"
	StartFixed   = "fixed"

	OrderChronological   = "chronological"
	OrderShuffle         = "shuffle"
	OrderRandom          = "random"
	OrderRotatingShuffle = "rotating_shuffle"

	ModeOne      = "one"
	ModeMultiple = "multiple"
	ModeDuration = "duration"
	ModeFlood    = "flood"

	CollectionManual = "manual"
	CollectionSmart  = "smart"
	CollectionStatic = "static"
)

type Channel struct {
	ID                        int64
	Number                    string
	Name                      string
	Enabled                   bool
	Group                     string
	Logo                      string
	StreamingMode             string
	TranscodeMode             string
	FFmpegProfileID           int64 // 0 = none
	WatermarkID               int64
	PreferredAudioLanguage    string
	PreferredSubtitleLanguage string
	SubtitleMode              string
	IdleBehavior              string
	FallbackFillerID          int64
	ShowInEPG                 bool
	Prewarm                   bool
	ScheduleID                int64
}

type MediaItem struct {
	ID              int64
	Source          string
	SourceID        string
	URL             string
	Title           string
	DurationSeconds int
	ShowTitle       string
	Season          int
	Episode         int
	Year            int
	Genres          string // comma-separated
	ProviderMeta    string // opaque JSON
}

type Playlist struct {
	ID             int64
	Name           string
	CollectionType string
	SearchQuery    string
	Items          []PlaylistItem
}

type PlaylistItem struct {
	ID          int64
	PlaylistID  int64
	MediaItemID int64
	Position    int
	InPoint     float64 // seconds; 0 = start
	OutPoint    float64 // seconds; 0 = natural end
	Enabled     bool
}

type ProgramSchedule struct {
	ID                            int64
	Name                          string
	KeepMultiPartEpisodesTogether bool
	TreatCollectionsAsShows       bool
	ShuffleScheduleItems          bool
	RandomStartPoint              bool
	Items                         []ScheduleSlot
}

type ScheduleSlot struct {
	ID               int64
	ScheduleID       int64
	Index            int
	StartType        string
	FixedStartTime   string // "15:04" local wall time; empty unless StartType == fixed
	CollectionKind   string // "playlist" for now; other kinds reserved
	CollectionID     int64
	PlaybackOrder    string
	PlayoutMode      string
	MultipleCount    int
	DurationSeconds  int
	PreRollFillerID  int64
	MidRollFillerID  int64
	PostRollFillerID int64
	TailFillerID     int64
	FallbackFillerID int64
	CustomTitle      string
	GuideMode        string
}

type Playout struct {
	ID                   int64
	ChannelID            int64
	ScheduleID           int64
	LastItemIndex        int
	LastItemEndWallclock time.Time
	EnumeratorState      string // opaque JSON owned by the playout engine
	IsActive             bool
}

type FillerPreset struct {
	ID         int64
	Name       string
	PlaylistID int64
}

type Library struct {
	ID      int64
	Name    string
	Source  string
	URL     string
	Token   string
	Section string
}

type FFmpegProfile struct {
	ID           int64
	Name         string
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	Resolution   string
}

type Watermark struct {
	ID       int64
	Name     string
	Path     string
	Position string
	Opacity  float64
}
