package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"threadwatch/internal/logging"
)

// VisionFailure is the stable sentinel returned when an image cannot be
// fetched, validated or decoded. Downstream prompts embed it verbatim so
// the model knows there is nothing to describe.
const VisionFailure = "IMAGE ANALYSIS UNAVAILABLE: the image could not be retrieved or decoded. Do not guess or describe image contents."

const (
	visionMaxSide   = 1024
	visionAlignment = 32
	visionMinSide   = 32
	visionPrompt    = "Extract all readable text from this image. Describe charts or tables factually. If the image is unreadable, say so."
)

// AnalyzeImage fetches imageURL, validates and normalizes the bytes and
// asks the vision model for a text rendition. It never returns an error:
// any failure yields the VisionFailure sentinel so the downstream prompt
// cannot hallucinate.
func (g *Gateway) AnalyzeImage(ctx context.Context, imageURL string) string {
	log := logging.Get(logging.CategoryLLM)

	data, err := g.fetchImage(ctx, imageURL)
	if err != nil {
		log.Warnw("vision fetch failed", "url", imageURL, "error", err)
		return VisionFailure
	}

	img, err := decodeSniffedImage(data)
	if err != nil {
		log.Warnw("vision decode failed", "url", imageURL, "error", err)
		return VisionFailure
	}

	normalized, err := encodeConstrainedJPEG(img)
	if err != nil {
		log.Warnw("vision re-encode failed", "url", imageURL, "error", err)
		return VisionFailure
	}

	text, err := g.generateWithImage(ctx, normalized)
	if err != nil {
		log.Warnw("vision model call failed", "url", imageURL, "error", err)
		return VisionFailure
	}
	return text
}

func (g *Gateway) fetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.fetcher.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image fetch returned status %d", resp.StatusCode)
	}
	// 20 MB cap; anything bigger is not a board screenshot.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// sniffImageFormat validates magic numbers and rejects textual payloads
// that image hosts serve instead of the picture (HTML error pages, JSON
// API errors, XML, access-denied bodies).
func sniffImageFormat(data []byte) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("payload too short to be an image (%d bytes)", len(data))
	}

	head := strings.TrimSpace(string(data[:min(len(data), 256)]))
	lower := strings.ToLower(head)
	switch {
	case strings.HasPrefix(lower, "<!doctype"), strings.HasPrefix(lower, "<html"):
		return "", fmt.Errorf("payload is an HTML page, not an image")
	case strings.HasPrefix(lower, "<?xml"):
		return "", fmt.Errorf("payload is XML, not an image")
	case strings.HasPrefix(head, "{"), strings.HasPrefix(head, "["):
		return "", fmt.Errorf("payload is JSON, not an image")
	case strings.Contains(lower, "access denied"):
		return "", fmt.Errorf("payload is an access-denied page")
	}

	switch {
	case data[0] == 0xFF && data[1] == 0xD8:
		return "jpeg", nil
	case bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47}):
		return "png", nil
	case bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")):
		return "webp", nil
	}
	return "", fmt.Errorf("unrecognized image format")
}

func decodeSniffedImage(data []byte) (image.Image, error) {
	format, err := sniffImageFormat(data)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	switch format {
	case "jpeg":
		return jpeg.Decode(r)
	case "png":
		return png.Decode(r)
	case "webp":
		return webp.Decode(r)
	}
	return nil, fmt.Errorf("unsupported format %s", format)
}

// constrainDimensions caps the long side at visionMaxSide and aligns both
// sides to multiples of visionAlignment, never below visionMinSide.
func constrainDimensions(w, h int) (int, int) {
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	scale := 1.0
	long := w
	if h > long {
		long = h
	}
	if long > visionMaxSide {
		scale = float64(visionMaxSide) / float64(long)
	}

	return alignSide(float64(w) * scale), alignSide(float64(h) * scale)
}

func alignSide(v float64) int {
	aligned := int(v/visionAlignment+0.5) * visionAlignment
	if aligned < visionMinSide {
		return visionMinSide
	}
	if aligned > visionMaxSide {
		return visionMaxSide
	}
	return aligned
}

// encodeConstrainedJPEG scales img to the constrained geometry and
// re-encodes it as JPEG.
func encodeConstrainedJPEG(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	w, h := constrainDimensions(bounds.Dx(), bounds.Dy())

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// generateWithImage performs the synchronous vision call.
func (g *Gateway) generateWithImage(ctx context.Context, jpegData []byte) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"model":  g.visionModel,
		"prompt": visionPrompt,
		"images": []string{base64.StdEncoding.EncodeToString(jpegData)},
		"stream": false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("vision returned status %d: %s", resp.StatusCode, body)
	}

	var result struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode vision response: %w", err)
	}
	return strings.TrimSpace(result.Response), nil
}
