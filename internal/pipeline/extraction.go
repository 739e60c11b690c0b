// Package pipeline contains the stage collaborators the worker dispatcher
// runs. Each stage uses its external client when configured and falls back
// to a deterministic mock otherwise, so the pipeline runs end-to-end in
// development without credentials. Stages hand data to each other only
// through object storage keys derived from the book ID.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/lexibooks/api/internal/client"
	"github.com/lexibooks/api/internal/model"
	"github.com/lexibooks/api/internal/worker"
)

func sourceKey(bookID string, metadata map[string]string) string {
	if key, ok := metadata["source_key"]; ok && key != "" {
		return key
	}
	return fmt.Sprintf("books/%s/source.pdf", bookID)
}

func textKey(bookID string) string {
	return fmt.Sprintf("books/%s/text.txt", bookID)
}

// ExtractionStage pulls the source PDF from storage and extracts its plain
// text, writing the result back under the book's text key.
type ExtractionStage struct {
	storage client.StorageClient
}

func NewExtractionStage(storage client.StorageClient) *ExtractionStage {
	return &ExtractionStage{storage: storage}
}

func (s *ExtractionStage) Name() string {
	return model.StageTextExtraction
}

// ExtractionResult is the stage's structured result payload.
type ExtractionResult struct {
	TextKey string `json:"textKey"`
	Pages   int    `json:"pages"`
	Chars   int    `json:"chars"`
}

func (s *ExtractionStage) Run(ctx context.Context, in worker.StageInput) (any, error) {
	if s.storage == nil {
		return s.runMock(ctx, in)
	}

	content, err := s.storage.Download(ctx, sourceKey(in.BookID, in.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source pdf: %w", err)
	}
	_ = in.Reporter.Report(ctx, s.Name(), 30)

	text, pages, err := extractText(content)
	if err != nil {
		return nil, err
	}
	_ = in.Reporter.Report(ctx, s.Name(), 80)

	key := textKey(in.BookID)
	if _, err := s.storage.Upload(ctx, key, strings.NewReader(text), "text/plain; charset=utf-8"); err != nil {
		return nil, fmt.Errorf("failed to store extracted text: %w", err)
	}

	return &ExtractionResult{TextKey: key, Pages: pages, Chars: len(text)}, nil
}

func (s *ExtractionStage) runMock(ctx context.Context, in worker.StageInput) (any, error) {
	name := in.Metadata["book_name"]
	if name == "" {
		name = "Untitled"
	}
	text := fmt.Sprintf("Chapter 1 of %s.\nSample narration text for book %s.", name, in.BookID)
	_ = in.Reporter.Report(ctx, s.Name(), 50)
	return &ExtractionResult{TextKey: textKey(in.BookID), Pages: 1, Chars: len(text)}, nil
}

func extractText(content []byte) (string, int, error) {
	if len(content) == 0 {
		return "", 0, fmt.Errorf("empty pdf content")
	}

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse pdf: %w", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return "", 0, fmt.Errorf("pdf has no pages")
	}

	var b strings.Builder
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return "", numPages, fmt.Errorf("no extractable text in %d pages", numPages)
	}
	return b.String(), numPages, nil
}
