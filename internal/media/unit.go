package media

import "fmt"

// VideoClockRate is the RTP clock rate of every video stream.
const VideoClockRate = 90000

// DefaultAudioClockRate is used when a compressed audio format does not
// announce its sample rate.
const DefaultAudioClockRate = 48000

// Kind identifies one of the two elementary streams.
type Kind int

const (
	Video Kind = iota
	Audio

	// NumKinds is the number of stream kinds, usable as an array size.
	NumKinds
)

// Kinds lists every stream kind in a stable order.
var Kinds = [NumKinds]Kind{Video, Audio}

func (k Kind) String() string {
	switch k {
	case Video:
		return "video"
	case Audio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit is a single timestamped payload as produced by the depacketizer.
// Payload must not be modified once the unit has been submitted.
type Unit struct {
	Payload   []byte // Elementary stream bytes, written verbatim
	Timestamp uint32 // RTP timestamp in the stream's clock rate
}

// Size returns the payload length in bytes.
func (u Unit) Size() int {
	return len(u.Payload)
}
