package extraction

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
)

// OCREngine abstracts over whatever OCR backend is actually installed. No
// example repo in this module's ancestry carries a native Go OCR
// dependency, so the default implementation shells out to the `tesseract`
// CLI exactly as C1's fetcher shells out to `curl` when no native client
// fits — an injected interface lets a deployment swap in a cloud Vision API
// client without touching the vision extractor itself.
type OCREngine interface {
	RecognizeImage(ctx context.Context, imagePath string) ([]OCRItem, error)
}

// TesseractOCR drives the `tesseract` binary in TSV output mode, which
// reports a bounding box and confidence per recognized word.
type TesseractOCR struct {
	MinConfidence float64
}

// NewTesseractOCR builds an engine that discards words below minConfidence
// (0-100 scale, as tesseract reports it).
func NewTesseractOCR(minConfidence float64) *TesseractOCR {
	return &TesseractOCR{MinConfidence: minConfidence}
}

func (t *TesseractOCR) RecognizeImage(ctx context.Context, imagePath string) ([]OCRItem, error) {
	cmd := exec.CommandContext(ctx, "tesseract", imagePath, "stdout", "tsv")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return parseTesseractTSV(stdout.String(), t.MinConfidence), nil
}

// parseTesseractTSV reads tesseract's TSV format:
// level page_num block_num par_num line_num word_num left top width height conf text
func parseTesseractTSV(tsv string, minConfidence float64) []OCRItem {
	var items []OCRItem
	scanner := bufio.NewScanner(strings.NewReader(tsv))
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header row
		}
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}
		left, _ := strconv.ParseFloat(cols[6], 64)
		top, _ := strconv.ParseFloat(cols[7], 64)
		width, _ := strconv.ParseFloat(cols[8], 64)
		height, _ := strconv.ParseFloat(cols[9], 64)
		conf, _ := strconv.ParseFloat(cols[10], 64)
		if conf < minConfidence {
			continue
		}
		items = append(items, OCRItem{
			Text:       text,
			X:          left,
			Y:          top,
			Width:      width,
			Height:     height,
			Confidence: conf / 100.0,
		})
	}
	return items
}
