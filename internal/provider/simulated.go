package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/stream"
)

// SimulatedBanner prefixes every simulated response so a degraded-mode
// answer can never be mistaken for real model output.
const SimulatedBanner = "[simulated response]"

// Simulated is the degraded-mode backend: it streams a canned, clearly
// labeled response word by word. It serves two roles: the relay's default
// backend when no real model API is wired in, and the client-side fallback
// when no relay can be found.
type Simulated struct {
	// ChunkDelay throttles emission to mimic real token pacing. Zero means
	// no delay (tests).
	ChunkDelay time.Duration
}

// NewSimulated creates a simulated backend with token-like pacing.
func NewSimulated() *Simulated {
	return &Simulated{ChunkDelay: 30 * time.Millisecond}
}

func (s *Simulated) ID() string { return "simulated" }

// Models lists the static catalog.
func (s *Simulated) Models(ctx context.Context) ([]Model, error) {
	return FallbackModels(), nil
}

// Complete streams the simulated response.
func (s *Simulated) Complete(ctx context.Context, req *Request) (stream.Producer, error) {
	text := SimulatedText(req.LastUserContent())
	if s.ChunkDelay <= 0 {
		return stream.NewSliceProducer(ctx, SplitWords(text)), nil
	}
	return &pacedProducer{
		inner: stream.NewSliceProducer(ctx, SplitWords(text)),
		delay: s.ChunkDelay,
	}, nil
}

// SimulatedText builds the canned response for a prompt.
func SimulatedText(prompt string) string {
	return fmt.Sprintf(
		"%s\n\nYour message: %q\n\nNo live relay backend is connected. "+
			"Start the relay server next to your editor to chat with real models.",
		SimulatedBanner, prompt,
	)
}

// SplitWords splits text into word chunks that reassemble to the original,
// trailing space attached to each word but the last.
func SplitWords(text string) []string {
	words := strings.Split(text, " ")
	chunks := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		chunks = append(chunks, w)
	}
	return chunks
}

// pacedProducer delays each chunk, observing ctx while sleeping.
type pacedProducer struct {
	inner stream.Producer
	delay time.Duration
}

func (p *pacedProducer) Recv() (string, error) {
	chunk, err := p.inner.Recv()
	if err != nil {
		return "", err
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	<-timer.C
	return chunk, nil
}
