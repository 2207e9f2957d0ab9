package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func pdfMeta(key string) BlobMetadata {
	return BlobMetadata{
		Key:         key,
		FileName:    "scan.pdf",
		ContentType: "application/pdf",
		OwnerID:     "user-1",
	}
}

func TestObjectKey(t *testing.T) {
	key := ObjectKey("user-1", "MONJAN12-103055", "Scan.PDF")
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		t.Fatalf("expected 3 segments, got %q", key)
	}
	if parts[0] != "user-1" || parts[1] != "MONJAN12-103055" {
		t.Errorf("unexpected prefix in %q", key)
	}
	if !strings.HasSuffix(parts[2], ".pdf") || len(parts[2]) != 36+4 {
		t.Errorf("expected <uuid>.pdf, got %q", parts[2])
	}
	if ObjectKey("u", "n", "a.pdf") == ObjectKey("u", "n", "a.pdf") {
		t.Error("keys for the same file should differ")
	}
	if k := ObjectKey("u", "n", `C:\docs\noext`); !strings.HasPrefix(k, "u/n/") || strings.Contains(k, ".") {
		t.Errorf("unexpected key for file without extension: %q", k)
	}
}

func TestNormalizeContentType(t *testing.T) {
	tests := map[string]string{
		"application/pdf":            "application/pdf",
		"IMAGE/PNG":                  "image/png",
		"image/jpeg; charset=binary": "image/jpeg",
		"  image/webp ":              "image/webp",
	}
	for in, want := range tests {
		if got := NormalizeContentType(in); got != want {
			t.Errorf("NormalizeContentType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInMemoryUpload_Success(t *testing.T) {
	s := NewInMemoryBlobStore()
	content := []byte("%PDF-1.7 prescription")

	meta, err := s.Upload(context.Background(), pdfMeta("user-1/RX/a.pdf"), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), meta.Size)
	}
	if len(meta.Hash) != 64 {
		t.Errorf("expected 64 char sha256 hex, got %q", meta.Hash)
	}
	if meta.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	rc, err := s.Open(context.Background(), "user-1/RX/a.pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestInMemoryUpload_Validation(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()

	noName := pdfMeta("k")
	noName.FileName = " "
	badType := pdfMeta("k")
	badType.ContentType = "text/html"
	noKey := pdfMeta("")

	tests := []struct {
		name    string
		meta    BlobMetadata
		content io.Reader
		want    error
	}{
		{"missing name", noName, strings.NewReader("x"), ErrMissingFileName},
		{"bad content type", badType, strings.NewReader("x"), ErrInvalidContentType},
		{"missing key", noKey, strings.NewReader("x"), ErrMissingKey},
		{"empty file", pdfMeta("k"), strings.NewReader(""), ErrEmptyFile},
		{"too large", pdfMeta("k"), bytes.NewReader(make([]byte, MaxFileSize+1)), ErrFileTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upload(ctx, tt.meta, tt.content)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := s.Upload(ctx, pdfMeta("exact"), bytes.NewReader(make([]byte, MaxFileSize))); err != nil {
		t.Errorf("a file of exactly MaxFileSize should be accepted, got %v", err)
	}
}

func TestInMemoryUpload_AllowedTypes(t *testing.T) {
	s := NewInMemoryBlobStore()
	for ct := range AllowedContentTypes {
		m := pdfMeta("k-" + ct)
		m.ContentType = ct
		if _, err := s.Upload(context.Background(), m, strings.NewReader("data")); err != nil {
			t.Errorf("%s: unexpected error: %v", ct, err)
		}
	}
}

func TestInMemorySignedURL(t *testing.T) {
	s := NewInMemoryBlobStore()
	fixed := time.Date(2026, 1, 12, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	if _, err := s.SignedURL(ctx, "missing", time.Hour); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}

	s.Upload(ctx, pdfMeta("user-1/RX/a.pdf"), strings.NewReader("x"))

	if _, err := s.SignedURL(ctx, "user-1/RX/a.pdf", 0); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("expected ErrInvalidTTL, got %v", err)
	}

	raw, err := s.SignedURL(ctx, "user-1/RX/a.pdf", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("unparseable url %q: %v", raw, err)
	}
	if u.Scheme != "mem" || u.Path != "/user-1/RX/a.pdf" {
		t.Errorf("unexpected url %q", raw)
	}
	if u.Query().Get("expires") != strconv.FormatInt(fixed.Add(time.Hour).Unix(), 10) {
		t.Errorf("unexpected expiry in %q", raw)
	}
}

func TestInMemoryDeleteAndMetadata(t *testing.T) {
	s := NewInMemoryBlobStore()
	ctx := context.Background()
	s.Upload(ctx, pdfMeta("k"), strings.NewReader("abc"))

	meta, err := s.GetMetadata(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.FileName != "scan.pdf" || meta.OwnerID != "user-1" || meta.Size != 3 {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.GetMetadata(ctx, "k"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "k"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
	}
}

func TestInMemoryConcurrentUploads(t *testing.T) {
	s := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := ObjectKey("u", "n", "f.png")
			m := BlobMetadata{Key: key, FileName: "f.png", ContentType: "image/png"}
			if _, err := s.Upload(context.Background(), m, strings.NewReader(strconv.Itoa(i))); err != nil {
				t.Errorf("upload %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blobs) != 50 {
		t.Errorf("expected 50 blobs, got %d", len(s.blobs))
	}
}
