package utils

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"
	"math/rand"
	"time"

	"github.com/nfnt/resize"
)

func Float32ArrayToByteArray(fa []float32) []byte {
	buf := bytes.Buffer{}
	_ = binary.Write(&buf, binary.LittleEndian, fa)
	return buf.Bytes()
}

func ByteArrayToFloat32Array(b []byte) (result []float32) {
	for i := 0; i+3 < len(b); i += 4 {
		ui32 := uint32(b[i+0]) +
			uint32(b[i+1])<<8 +
			uint32(b[i+2])<<16 +
			uint32(b[i+3])<<24
		result = append(result, math.Float32frombits(ui32))
	}
	return
}

// NextBackoff doubles current, capped at max
func NextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Jitter adds up to 20% random delay to d
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d/5)+1))
}

// Retry calls fn up to attempts times, sleeping an exponentially growing,
// jittered delay between calls. It gives up early when giveUp(err) is true.
func Retry(ctx context.Context, base, max time.Duration, attempts int, fn func() error, giveUp func(error) bool) (err error) {
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 || (giveUp != nil && giveUp(err)) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(Jitter(delay)):
			delay = NextBackoff(delay, max)
		}
	}
	return
}

type FaceCrop struct {
	JPEG []byte
	NewX uint16
	NewY uint16
}

// CropFace cuts rect (plus margin) out of the encoded frame and scales it down to fit size x size
func CropFace(frame []byte, rect image.Rectangle, margin float64, size uint) (result FaceCrop, err error) {
	img, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return result, err
	}
	mx := int(float64(rect.Dx()) * margin)
	my := int(float64(rect.Dy()) * margin)
	area := image.Rect(rect.Min.X-mx, rect.Min.Y-my, rect.Max.X+mx, rect.Max.Y+my).Intersect(img.Bounds())
	if area.Empty() {
		area = img.Bounds()
	}
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	cropped := img
	if si, ok := img.(subImager); ok {
		cropped = si.SubImage(area)
	}
	thumb := resize.Thumbnail(size, size, cropped, resize.Lanczos3)
	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 90}); err != nil {
		return
	}
	rectSize := thumb.Bounds().Size()
	result.JPEG = buf.Bytes()
	result.NewX = uint16(rectSize.X)
	result.NewY = uint16(rectSize.Y)
	return
}
