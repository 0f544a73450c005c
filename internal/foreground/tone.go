package foreground

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Tone describes the notification chime.
type Tone struct {
	Frequency  float64
	Attack     time.Duration
	Duration   time.Duration
	Peak       float64
	Floor      float64
	SampleRate int
}

// DefaultTone is an 800 Hz sine with a 10 ms linear attack and an
// exponential decay to near silence at 500 ms.
var DefaultTone = Tone{
	Frequency:  800,
	Attack:     10 * time.Millisecond,
	Duration:   500 * time.Millisecond,
	Peak:       0.3,
	Floor:      0.01,
	SampleRate: 44100,
}

// Gain returns the envelope value at t.
func (s Tone) Gain(t time.Duration) float64 {
	switch {
	case t <= 0:
		return 0
	case t < s.Attack:
		return s.Peak * float64(t) / float64(s.Attack)
	case t >= s.Duration:
		return s.Floor
	}
	progress := float64(t-s.Attack) / float64(s.Duration-s.Attack)
	return s.Peak * math.Pow(s.Floor/s.Peak, progress)
}

// Samples renders the tone as signed 16-bit PCM.
func (s Tone) Samples() []int16 {
	n := int(float64(s.SampleRate) * s.Duration.Seconds())
	out := make([]int16, n)
	for i := range out {
		t := time.Duration(float64(i) / float64(s.SampleRate) * float64(time.Second))
		v := s.Gain(t) * math.Sin(2*math.Pi*s.Frequency*t.Seconds())
		out[i] = int16(math.Round(v * math.MaxInt16))
	}
	return out
}

// WAV encodes the tone as a mono 16-bit PCM RIFF file.
func (s Tone) WAV() []byte {
	samples := s.Samples()
	dataLen := uint32(len(samples) * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataLen))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(s.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(s.SampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
