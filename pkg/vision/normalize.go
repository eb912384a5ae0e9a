package vision

// Per-channel normalization statistics for common backbones. X-ray datasets
// are grayscale, so their single-channel statistics are replicated across
// the three input channels the backbone expects.
var (
	// ClipMean and ClipStd are the OpenAI CLIP defaults.
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}

	// IUXRayMean and IUXRayStd are computed over the IU-Xray
	// images_normalized set.
	IUXRayMean = [3]float32{0.5862785803043838, 0.5862785803043838, 0.5862785803043838}
	IUXRayStd  = [3]float32{0.27950088968644304, 0.27950088968644304, 0.27950088968644304}
)

// NormalizeNCHW scales pixels to [0,1], applies (x-mean)/std per channel, and
// returns a float32 tensor in CHW layout (length 3*H*W).
func NormalizeNCHW(img *Image, mean, std [3]float32) []float32 {
	bounds := img.RGBA.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()
	plane := h * w

	out := make([]float32, plane*3)
	idx := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b := pixelRGB(img, x, y)
			out[idx] = (r - mean[0]) / std[0]
			out[plane+idx] = (g - mean[1]) / std[1]
			out[2*plane+idx] = (b - mean[2]) / std[2]
			idx++
		}
	}
	return out
}

// pixelRGB returns RGB values as float32 in [0,1].
func pixelRGB(img *Image, x, y int) (float32, float32, float32) {
	c := img.RGBA.RGBAAt(x, y)
	return float32(c.R) / 255.0, float32(c.G) / 255.0, float32(c.B) / 255.0
}
