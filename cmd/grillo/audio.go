package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/client"
	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/turn"
)

const meterWindow = 16 * time.Millisecond

// pcmCapture reads mono 16-bit PCM continuously and keeps what arrives
// between Start and Stop.
type pcmCapture struct {
	in         io.Reader
	sampleRate int
	meter      *turn.Meter

	mu        sync.Mutex
	recording bool
	buf       bytes.Buffer
	onLevel   func(float64)
	readErr   error
}

func newPCMCapture(in io.Reader, sampleRate int) *pcmCapture {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	c := &pcmCapture{in: in, sampleRate: sampleRate}
	c.meter = turn.NewMeter(sampleRate, meterWindow, c.level)
	return c
}

// pump copies stdin until EOF; audio outside a recording is dropped.
func (c *pcmCapture) pump() {
	chunk := make([]byte, 4096)
	for {
		n, err := c.in.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			rec := c.recording
			if rec {
				c.buf.Write(chunk[:n])
			}
			c.mu.Unlock()
			if rec {
				_, _ = c.meter.Write(chunk[:n])
			}
		}
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

func (c *pcmCapture) level(l float64) {
	c.mu.Lock()
	f := c.onLevel
	c.mu.Unlock()
	if f != nil {
		f(l)
	}
}

func (c *pcmCapture) Start(_ context.Context, onLevel func(float64)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return errors.Wrap(interview.ErrCaptureDenied, c.readErr.Error())
	}
	c.buf.Reset()
	c.recording = true
	c.onLevel = onLevel
	return nil
}

func (c *pcmCapture) Stop() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recording = false
	c.onLevel = nil
	pcm := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	return wavFile(pcm, c.sampleRate), nil
}

// wavFile wraps raw PCM in a canonical 44-byte RIFF header.
func wavFile(pcm []byte, sampleRate int) []byte {
	const channels, bits = 1, 16
	var b bytes.Buffer
	b.Grow(44 + len(pcm))
	le := func(v any) { _ = binary.Write(&b, binary.LittleEndian, v) }
	b.WriteString("RIFF")
	le(uint32(36 + len(pcm)))
	b.WriteString("WAVEfmt ")
	le(uint32(16))
	le(uint16(1))
	le(uint16(channels))
	le(uint32(sampleRate))
	le(uint32(sampleRate * channels * bits / 8))
	le(uint16(channels * bits / 8))
	le(uint16(bits))
	b.WriteString("data")
	le(uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// commandPlayer prints the utterance and, when configured, pipes the
// synthesized speech into an external player.
type commandPlayer struct {
	client  *client.Client
	command string
}

func (p *commandPlayer) Play(ctx context.Context, _ string, audioHandle string) error {
	if p.command == "" || audioHandle == "" {
		return nil
	}
	audio, err := p.client.Audio(ctx, audioHandle)
	if err != nil {
		return err
	}
	fields := strings.Fields(p.command)
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdin = bytes.NewReader(audio)
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "run %s", fields[0])
	}
	return nil
}
