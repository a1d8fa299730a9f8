package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
)

// Backend turns an image into a text file.
type Backend interface {
	Name() string
	Recognize(ctx context.Context, image, textOut string) error
}

// Cropper prepares a screenshot for recognition.
type Cropper interface {
	Crop(ctx context.Context, image, out string) error
}

// Tesseract runs tesseract(1). It always appends ".txt" to its output base.
type Tesseract struct {
	Bin  string // default "tesseract"
	Lang string // default "eng"
}

func (Tesseract) Name() string { return "tesseract" }

func (t Tesseract) Recognize(ctx context.Context, image, textOut string) error {
	return run(ctx, or(t.Bin, "tesseract"), t.args(image, textOut)...)
}

func (t Tesseract) args(image, textOut string) []string {
	return []string{"-l", or(t.Lang, "eng"), image, strings.TrimSuffix(textOut, ".txt")}
}

// Gocr runs gocr(1).
type Gocr struct {
	Bin       string // default "gocr"
	Certainty int    // -a, default 99
}

func (Gocr) Name() string { return "gocr" }

func (g Gocr) Recognize(ctx context.Context, image, textOut string) error {
	return run(ctx, or(g.Bin, "gocr"), g.args(image, textOut)...)
}

func (g Gocr) args(image, textOut string) []string {
	certainty := g.Certainty
	if certainty == 0 {
		certainty = 99
	}
	return []string{"-i", image, "-o", textOut, "-a", fmt.Sprint(certainty)}
}

// Ocrad runs ocrad(1).
type Ocrad struct {
	Bin string // default "ocrad"
}

func (Ocrad) Name() string { return "ocrad" }

func (o Ocrad) Recognize(ctx context.Context, image, textOut string) error {
	return run(ctx, or(o.Bin, "ocrad"), o.args(image, textOut)...)
}

func (Ocrad) args(image, textOut string) []string {
	return []string{"-o", textOut, "--charset", "ascii", "--format", "utf8", image}
}

// Convert crops and binarizes a news screenshot with ImageMagick so the
// article panel is black text on white.
type Convert struct {
	Bin       string // default "convert"
	Geometry  string // default "700x600+920+580"
	Threshold string // default "32%"
}

// Default crop of the news panel on a 1920x1080 screenshot.
const (
	DefaultCropGeometry  = "700x600+920+580"
	DefaultCropThreshold = "32%"
)

func (c Convert) Crop(ctx context.Context, image, out string) error {
	return run(ctx, or(c.Bin, "convert"), c.args(image, out)...)
}

func (c Convert) args(image, out string) []string {
	return []string{
		image,
		"-crop", or(c.Geometry, DefaultCropGeometry),
		"-channel", "RGB",
		"-threshold", or(c.Threshold, DefaultCropThreshold),
		"-set", "colorspace", "Gray",
		"-separate",
		"-average",
		"-negate",
		out,
	}
}

var backends = map[string]Backend{
	"tesseract": Tesseract{},
	"gocr":      Gocr{},
	"ocrad":     Ocrad{},
}

// BackendNames lists the built-in backends.
func BackendNames() []string {
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// BackendByName returns a built-in backend with default settings.
func BackendByName(name string) (Backend, error) {
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("ocr: unknown backend %q (want one of %s)", name, strings.Join(BackendNames(), ", "))
	}
	return b, nil
}

func run(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ocr: %s: %w: %s", bin, err, msg)
		}
		return fmt.Errorf("ocr: %s: %w", bin, err)
	}
	return nil
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
