package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// Extensions never read as text. Archives are listed so nested archives are
// skipped rather than recursed.
var binaryExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".bmp": {}, ".ico": {}, ".webp": {}, ".svgz": {},
	".pdf": {}, ".exe": {}, ".dll": {}, ".so": {}, ".dylib": {}, ".a": {}, ".o": {}, ".obj": {},
	".class": {}, ".jar": {}, ".war": {}, ".pyc": {}, ".pyo": {}, ".whl": {}, ".bin": {}, ".dat": {},
	".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {}, ".eot": {},
	".mp3": {}, ".mp4": {}, ".wav": {}, ".avi": {}, ".mov": {}, ".ogg": {}, ".flac": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".tgz": {}, ".bz2": {}, ".xz": {}, ".7z": {}, ".rar": {},
	".db": {}, ".sqlite": {}, ".iso": {}, ".npy": {}, ".pkl": {}, ".parquet": {},
}

var binaryContentPrefixes = []string{"image/", "audio/", "video/", "font/", "application/pdf", "application/zip", "application/x-gzip", "application/octet-stream", "application/wasm"}

func (f *Fetcher) fetchArchive(ctx context.Context, rawURL string) (pipeline.RawContent, error) {
	resp, err := f.fetchOne(ctx, rawURL)
	if err != nil {
		return pipeline.RawContent{}, err
	}
	entries, err := f.extractArchive(resp.Body, rawURL)
	if err != nil {
		return pipeline.RawContent{}, err
	}
	return pipeline.RawContent{Entries: entries}, nil
}

// extractArchive returns the text files of a ZIP archive in archive order,
// identified by their archive-relative path.
func (f *Fetcher) extractArchive(body []byte, rawURL string) ([]pipeline.RawEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, &pipeline.FetchError{Kind: pipeline.FetchInvalidArchive, URL: rawURL, Err: err}
	}

	files := 0
	var entries []pipeline.RawEntry
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		files++
		if len(entries) >= f.cfg.MaxFiles {
			continue
		}
		if skip := f.skipReason(file); skip != "" {
			f.logger.Debug("skipping archive entry", zap.String("path", file.Name), zap.String("reason", skip))
			continue
		}
		data, err := readEntry(file, f.cfg.MaxFileBytes)
		if errors.Is(err, errEntryTooLarge) {
			f.logger.Debug("skipping archive entry", zap.String("path", file.Name), zap.String("reason", "size"))
			continue
		}
		if err != nil {
			return nil, &pipeline.FetchError{Kind: pipeline.FetchInvalidArchive, URL: rawURL, Err: fmt.Errorf("read %s: %w", file.Name, err)}
		}
		if !looksLikeText(data) {
			f.logger.Debug("skipping archive entry", zap.String("path", file.Name), zap.String("reason", "binary content"))
			continue
		}
		entries = append(entries, pipeline.RawEntry{ID: file.Name, Text: string(data), Hint: pipeline.HintUnknown})
	}
	if files == 0 {
		return nil, &pipeline.FetchError{Kind: pipeline.FetchInvalidArchive, URL: rawURL, Err: errors.New("archive contains no files")}
	}
	f.logger.Info("archive extracted",
		zap.String("url", rawURL),
		zap.Int("files", files),
		zap.Int("text_files", len(entries)),
	)
	return entries, nil
}

func (f *Fetcher) skipReason(file *zip.File) string {
	if _, binary := binaryExtensions[strings.ToLower(path.Ext(file.Name))]; binary {
		return "extension"
	}
	if file.UncompressedSize64 > uint64(f.cfg.MaxFileBytes) {
		return "size"
	}
	return ""
}

var errEntryTooLarge = errors.New("archive entry exceeds size limit")

func readEntry(file *zip.File, limit int64) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open entry: %w", err)
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, errEntryTooLarge
	}
	return data, nil
}

func looksLikeText(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data) {
		return false
	}
	contentType := http.DetectContentType(data)
	for _, prefix := range binaryContentPrefixes {
		if strings.HasPrefix(contentType, prefix) {
			return false
		}
	}
	return true
}
