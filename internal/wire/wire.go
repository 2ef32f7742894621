// Package wire defines the on-the-wire form of a frame: a JSON metadata record
// and a little-endian float32 I/Q payload carried together in one envelope.
//
// Envelope layout:
//
//	[uint32 LE metadata length L][L bytes JSON metadata][num_samples*8 bytes payload]
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rjboer/leostream/internal/baseband"
)

// BytesPerSample is the payload size of one complex sample.
const BytesPerSample = 8

const headerLen = 4

var (
	ErrShortMessage = errors.New("wire: message shorter than its header")
	ErrPayloadSize  = errors.New("wire: payload size does not match num_samples")
)

// Metadata is the self-describing part of a frame.
type Metadata struct {
	FrameID    uint64  `json:"frame_id"`
	Timestamp  float64 `json:"timestamp"`
	SampleRate float64 `json:"sample_rate"`
	NumSamples int     `json:"num_samples"`
	DopplerHz  float64 `json:"doppler_hz"`
	DelayMs    float64 `json:"delay_ms"`
	PathLossdB float64 `json:"path_loss_db"`
	SNRdB      float64 `json:"snr_db"`
	FadingRe   float64 `json:"fading_re"`
	FadingIm   float64 `json:"fading_im"`
}

// Time converts the epoch-seconds timestamp back to a time.Time.
func (m Metadata) Time() time.Time {
	sec, frac := math.Modf(m.Timestamp)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9)))
}

// MetadataOf extracts the metadata record from a frame.
func MetadataOf(f baseband.Frame) Metadata {
	return Metadata{
		FrameID:    f.ID,
		Timestamp:  EpochSeconds(f.Timestamp),
		SampleRate: f.SampleRate,
		NumSamples: f.NumSamples,
		DopplerHz:  f.Channel.DopplerHz,
		DelayMs:    f.Channel.DelayMs,
		PathLossdB: f.Channel.PathLossdB,
		SNRdB:      f.Channel.SNRdB,
		FadingRe:   real(f.Channel.Fading),
		FadingIm:   imag(f.Channel.Fading),
	}
}

// EpochSeconds renders t as floating-point seconds since the Unix epoch.
func EpochSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

// PayloadSize is the payload length for n samples.
func PayloadSize(n int) int { return n * BytesPerSample }

// AppendPayload appends the samples as interleaved little-endian float32
// I/Q pairs.
func AppendPayload(dst []byte, iq []complex64) []byte {
	for _, v := range iq {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(real(v)))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(imag(v)))
	}
	return dst
}

// DecodePayload parses an I/Q payload. Its length must be a multiple of
// BytesPerSample.
func DecodePayload(payload []byte) ([]complex64, error) {
	if len(payload)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrPayloadSize, len(payload))
	}
	out := make([]complex64, len(payload)/BytesPerSample)
	for i := range out {
		off := i * BytesPerSample
		re := math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(payload[off+4:]))
		out[i] = complex(re, im)
	}
	return out, nil
}

// Encode serializes a frame into a single envelope.
func Encode(f baseband.Frame) ([]byte, error) {
	meta, err := json.Marshal(MetadataOf(f))
	if err != nil {
		return nil, fmt.Errorf("marshal frame metadata: %w", err)
	}
	msg := make([]byte, 0, headerLen+len(meta)+PayloadSize(len(f.IQ)))
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(meta)))
	msg = append(msg, meta...)
	return AppendPayload(msg, f.IQ), nil
}

// Split separates an envelope into its metadata record and raw payload
// without copying the payload.
func Split(msg []byte) (Metadata, []byte, error) {
	if len(msg) < headerLen {
		return Metadata{}, nil, ErrShortMessage
	}
	metaLen := int(binary.LittleEndian.Uint32(msg))
	if metaLen > len(msg)-headerLen {
		return Metadata{}, nil, fmt.Errorf("%w: metadata length %d exceeds %d", ErrShortMessage, metaLen, len(msg)-headerLen)
	}
	var meta Metadata
	if err := json.Unmarshal(msg[headerLen:headerLen+metaLen], &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("decode frame metadata: %w", err)
	}
	payload := msg[headerLen+metaLen:]
	if meta.NumSamples < 0 || len(payload) != PayloadSize(meta.NumSamples) {
		return Metadata{}, nil, fmt.Errorf("%w: got %d bytes for %d samples", ErrPayloadSize, len(payload), meta.NumSamples)
	}
	return meta, payload, nil
}

// Decode parses an envelope into metadata and samples.
func Decode(msg []byte) (Metadata, []complex64, error) {
	meta, payload, err := Split(msg)
	if err != nil {
		return Metadata{}, nil, err
	}
	iq, err := DecodePayload(payload)
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, iq, nil
}
