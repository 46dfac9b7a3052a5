package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Bucket is a target canvas size accepted by the image transform.
type Bucket struct {
	Width  int
	Height int
}

// Ratio is width divided by height.
func (b Bucket) Ratio() float64 { return float64(b.Width) / float64(b.Height) }

func (b Bucket) String() string { return fmt.Sprintf("%dx%d", b.Width, b.Height) }

// Buckets lists the supported canvases. Order matters: on equal distance the
// earlier bucket wins.
var Buckets = []Bucket{
	{1024, 1024},
	{1152, 896},
	{896, 1152},
	{1216, 832},
	{832, 1216},
	{1344, 768},
	{768, 1344},
	{1536, 640},
	{640, 1536},
}

// NearestBucket picks the bucket whose aspect ratio is closest to w/h.
// Degenerate sizes map to the square bucket.
func NearestBucket(w, h int) Bucket {
	if w <= 0 || h <= 0 {
		return Buckets[0]
	}
	r := float64(w) / float64(h)
	best := Buckets[0]
	bestDist := math.Abs(best.Ratio() - r)
	for _, b := range Buckets[1:] {
		d := math.Abs(b.Ratio() - r)
		if d < bestDist {
			best, bestDist = b, d
		}
	}
	return best
}

// Payload is a normalized image ready for the transform.
type Payload struct {
	PNG    []byte
	Bucket Bucket
	Alt    string
	Source string
}

// ErrDecode is returned when the source bytes are not a supported image.
var ErrDecode = errors.New("decode image")

// Normalizer acquires a candidate's bytes and stretches them onto the nearest
// bucket canvas. Aspect ratio is not preserved; the bucket is chosen to keep
// the distortion small.
type Normalizer struct {
	Acquirer Acquirer
	// Scaler defaults to draw.CatmullRom.
	Scaler draw.Scaler
}

// Normalize returns the PNG payload for c.
func (n *Normalizer) Normalize(ctx context.Context, c Candidate) (Payload, error) {
	if n.Acquirer == nil {
		return Payload{}, fmt.Errorf("%w: no acquirer", ErrAcquire)
	}
	raw, err := n.Acquirer.Acquire(ctx, c.Src)
	if err != nil {
		return Payload{}, err
	}
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	w, h := c.NaturalWidth, c.NaturalHeight
	if w <= 0 || h <= 0 {
		sb := src.Bounds()
		w, h = sb.Dx(), sb.Dy()
	}
	bucket := NearestBucket(w, h)
	out, err := stretch(src, bucket, n.scaler())
	if err != nil {
		return Payload{}, err
	}
	return Payload{PNG: out, Bucket: bucket, Alt: c.Alt, Source: c.Src}, nil
}

func (n *Normalizer) scaler() draw.Scaler {
	if n.Scaler != nil {
		return n.Scaler
	}
	return draw.CatmullRom
}

func stretch(src image.Image, b Bucket, s draw.Scaler) ([]byte, error) {
	dst := image.NewRGBA(image.Rect(0, 0, b.Width, b.Height))
	s.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
