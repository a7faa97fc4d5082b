package validation

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	_ "golang.org/x/image/webp"

	"github.com/vietddude/harvester/internal/core/domain"
)

// referencePixels is the resolution that earns a full structural quality score.
const referencePixels = 1920 * 1080

// Fast runs structural checks only: size, decodable header, format and
// dimensions. It performs no I/O.
type Fast struct {
	cfg Config
}

func (f *Fast) Strategy() domain.ValidationStrategy { return domain.StrategyFast }

// Validate implements Validator.
func (f *Fast) Validate(ctx context.Context, c *Candidate) (Verdict, error) {
	return f.check(c), nil
}

func (f *Fast) check(c *Candidate) Verdict {
	size := len(c.Data)
	if size < f.cfg.MinBytes {
		return reject("too small: %d bytes", size)
	}
	if size > f.cfg.MaxBytes {
		return reject("too large: %d bytes", size)
	}

	conf, format, err := image.DecodeConfig(bytes.NewReader(c.Data))
	if err != nil {
		return reject("undecodable: %v", err)
	}
	if !f.cfg.allows(format) {
		return reject("format %s not allowed", format)
	}
	if conf.Width < f.cfg.MinWidth || conf.Height < f.cfg.MinHeight {
		return reject("dimensions %dx%d below %dx%d", conf.Width, conf.Height, f.cfg.MinWidth, f.cfg.MinHeight)
	}

	return Verdict{
		Decision: domain.DecisionAccept,
		Quality:  resolutionScore(conf.Width, conf.Height),
		Format:   format,
		Width:    conf.Width,
		Height:   conf.Height,
	}
}

func resolutionScore(w, h int) float64 {
	score := float64(w*h) / referencePixels
	return math.Min(1, math.Round(score*1000)/1000)
}
