package foreground

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Player plays an encoded WAV clip.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

// BellPlayer rings the terminal bell instead of playing the clip.
type BellPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellPlayer writes BEL characters to w.
func NewBellPlayer(w io.Writer) *BellPlayer {
	return &BellPlayer{w: w}
}

func (p *BellPlayer) Play(context.Context, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.w, "\a")
	return err
}

// CommandPlayer pipes the clip into an external player reading WAV from
// stdin, e.g. `aplay -q -` or `paplay`.
type CommandPlayer struct {
	Name string
	Args []string
}

func (p CommandPlayer) Play(ctx context.Context, wav []byte) error {
	cmd := exec.CommandContext(ctx, p.Name, p.Args...)
	cmd.Stdin = bytes.NewReader(wav)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", p.Name, err, bytes.TrimSpace(out))
	}
	return nil
}
