package postprocess

import (
	"context"
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"sfmbatch/internal/runner"
)

// StageResize names resize commands in logs and the run store.
const StageResize = "resize"

// Scale is one level of the image pyramid.
type Scale struct {
	Dir     string  // directory name under the source path
	Percent float64 // size relative to the original
}

// Scales are produced in this order, each from the original image.
var Scales = []Scale{
	{Dir: "images_2", Percent: 50},
	{Dir: "images_4", Percent: 25},
	{Dir: "images_8", Percent: 12.5},
}

func (s Scale) arg() string {
	return fmt.Sprintf("%g%%", s.Percent)
}

// Resizer shrinks a file in place.
type Resizer interface {
	Resize(ctx context.Context, file string, scale Scale) error
}

// Session is implemented by resizers that keep an environment open for a
// whole pyramid. Begin runs before the first Resize and End after the last.
type Session interface {
	Begin() error
	End()
}

// MogrifyResizer delegates to "<magick> mogrify -resize <pct>% <file>".
type MogrifyResizer struct {
	Run        CommandRunner
	Executable string
}

func (m MogrifyResizer) Resize(ctx context.Context, file string, scale Scale) error {
	exe := m.Executable
	if exe == "" {
		exe = "magick"
	}
	return m.Run.Run(ctx, runner.Command{
		Stage: StageResize,
		Name:  exe,
		Args:  []string{"mogrify", "-resize", scale.arg(), file},
	})
}

// NativeResizer resizes through the MagickWand bindings. Resize is only valid
// between Begin and End.
type NativeResizer struct{}

func (NativeResizer) Begin() error {
	imagick.Initialize()
	return nil
}

func (NativeResizer) End() { imagick.Terminate() }

func (NativeResizer) Resize(ctx context.Context, file string, scale Scale) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(file); err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}
	width := scaled(mw.GetImageWidth(), scale.Percent)
	height := scaled(mw.GetImageHeight(), scale.Percent)
	if err := mw.ResizeImage(width, height, imagick.FILTER_LANCZOS); err != nil {
		return fmt.Errorf("resize %s: %w", file, err)
	}
	if err := mw.WriteImage(file); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}
	return nil
}

func scaled(v uint, percent float64) uint {
	n := uint(float64(v)*percent/100 + 0.5)
	if n == 0 {
		return 1
	}
	return n
}
