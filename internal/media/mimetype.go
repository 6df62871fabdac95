package media

import (
	"mime"
	"strconv"
	"strings"
)

const (
	TypeWAV = "audio/wav"
	TypeL16 = "audio/L16"

	DefaultSampleRate = 22050
	DefaultChannels   = 1
)

// ContentType is a parsed audio content-type label.
type ContentType struct {
	Base       string
	SampleRate int
	Channels   int
}

// ParseContentType parses label and normalizes the WAV aliases.
func ParseContentType(label string) (ContentType, bool) {
	base, params, err := mime.ParseMediaType(label)
	if err != nil {
		return ContentType{}, false
	}
	ct := ContentType{Base: base}
	switch base {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		ct.Base = TypeWAV
	case "audio/l16":
		ct.Base = TypeL16
	}
	if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
		ct.SampleRate = v
	}
	if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
		ct.Channels = v
	}
	return ct, true
}

// L16Type renders an L16 label for the given format.
func L16Type(rate, channels int) string {
	return TypeL16 + ";rate=" + strconv.Itoa(rate) + ";channels=" + strconv.Itoa(channels)
}

func sameBaseType(a, b string) bool {
	pa, okA := ParseContentType(a)
	pb, okB := ParseContentType(b)
	if !okA || !okB {
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return pa.Base == pb.Base
}
