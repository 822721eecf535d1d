package render

import (
	"fmt"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const captionHeight = 24

var (
	captionFaceOnce sync.Once
	captionFace     font.Face
	captionFaceErr  error
)

func loadCaptionFace() (font.Face, error) {
	captionFaceOnce.Do(func() {
		f, err := truetype.Parse(goregular.TTF)
		if err != nil {
			captionFaceErr = fmt.Errorf("failed to parse font: %w", err)
			return
		}
		captionFace = truetype.NewFace(f, &truetype.Options{Size: 12})
	})
	return captionFace, captionFaceErr
}

// StatusText is the status line shown next to the board.
func StatusText(ticks int) string {
	return fmt.Sprintf("Local Universe Ticked %d times", ticks)
}

// Compose returns a new context holding the board with the caption rendered underneath it.
func (c *Canvas) Compose(caption string) (*gg.Context, error) {
	face, err := loadCaptionFace()
	if err != nil {
		return nil, err
	}
	w, h := c.layout.PixelWidth(), c.layout.PixelHeight()
	out := gg.NewContext(w, h+captionHeight)
	out.SetHexColor("#FFFFFF")
	out.Clear()
	out.DrawImage(c.dc.Image(), 0, 0)
	out.SetFontFace(face)
	out.SetHexColor(Black)
	out.DrawStringAnchored(caption, 4, float64(h)+captionHeight/2, 0, 0.5)
	return out, nil
}

// SavePNG writes the board and caption to path.
func (c *Canvas) SavePNG(path string, caption string) error {
	out, err := c.Compose(caption)
	if err != nil {
		return err
	}
	if err := out.SavePNG(path); err != nil {
		return fmt.Errorf("failed to write png: %w", err)
	}
	return nil
}
