package audio

import (
	"bytes"
	"mime"
	"strings"
)

// sniffLen is the number of leading bytes needed to recognise a container.
const sniffLen = 12

// FormatFromContentType maps a Content-Type header to a format.
func FormatFromContentType(contentType string) AudioFormat {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatUnknown
	}
	switch mediaType {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return FormatWAV
	case "audio/mpeg", "audio/mp3":
		return FormatMP3
	case "audio/webm":
		return FormatWebM
	case "audio/ogg", "audio/opus":
		if strings.Contains(params["codecs"], "vorbis") {
			return FormatUnknown
		}
		return FormatOpus
	case "audio/l16", "audio/pcm", "audio/x-raw":
		return FormatPCM
	}
	return FormatUnknown
}

// DetectFormat identifies the stream format from its leading bytes, falling
// back to the declared content type for headerless PCM.
func DetectFormat(contentType string, head []byte) AudioFormat {
	switch {
	case len(head) >= 12 && bytes.Equal(head[0:4], []byte("RIFF")) && bytes.Equal(head[8:12], []byte("WAVE")):
		return FormatWAV
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(head) >= 4 && bytes.Equal(head[0:4], []byte("OggS")):
		return FormatOpus
	case len(head) >= 3 && bytes.Equal(head[0:3], []byte("ID3")):
		return FormatMP3
	case len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0:
		return FormatMP3
	}

	if FormatFromContentType(contentType) == FormatPCM {
		return FormatPCM
	}
	return FormatUnknown
}
