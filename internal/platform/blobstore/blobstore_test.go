package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\nfake-image-body")

func seedBlob(t *testing.T, store BlobStore, content []byte) *BlobMetadata {
	t.Helper()
	meta := BlobMetadata{
		FileName:    "trace.png",
		ContentType: "image/png",
		PatientID:   "patient-1",
		DraftID:     "draft-1",
		CreatedBy:   "test-user",
	}
	result, err := store.Upload(context.Background(), meta, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("seedBlob: %v", err)
	}
	return result
}

func TestInMemoryBlobStore_Upload(t *testing.T) {
	store := NewInMemoryBlobStore()
	result := seedBlob(t, store, pngHeader)

	sum := sha256.Sum256(pngHeader)
	if result.ID != hex.EncodeToString(sum[:]) {
		t.Errorf("expected content-addressed ID, got %s", result.ID)
	}
	if result.Hash != result.ID {
		t.Errorf("expected hash to equal ID")
	}
	if result.Size != int64(len(pngHeader)) {
		t.Errorf("expected Size=%d, got %d", len(pngHeader), result.Size)
	}
	if result.CreatedAt.IsZero() {
		t.Fatal("expected non-zero CreatedAt")
	}
}

func TestInMemoryBlobStore_UploadIdempotent(t *testing.T) {
	store := NewInMemoryBlobStore()
	first := seedBlob(t, store, pngHeader)
	time.Sleep(time.Millisecond)
	second := seedBlob(t, store, pngHeader)

	if first.ID != second.ID {
		t.Fatalf("expected same ID, got %s and %s", first.ID, second.ID)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("expected original metadata to be returned")
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 blob, got %d", store.Len())
	}
}

func TestInMemoryBlobStore_UploadValidation(t *testing.T) {
	store := NewInMemoryBlobStore()
	ctx := context.Background()

	_, err := store.Upload(ctx, BlobMetadata{ContentType: "image/png"}, bytes.NewReader(pngHeader))
	if !errors.Is(err, ErrMissingFileName) {
		t.Errorf("expected ErrMissingFileName, got %v", err)
	}

	_, err = store.Upload(ctx, BlobMetadata{FileName: "x.pdf", ContentType: "application/pdf"}, strings.NewReader("%PDF"))
	if !errors.Is(err, ErrInvalidContentType) {
		t.Errorf("expected ErrInvalidContentType, got %v", err)
	}

	big := bytes.Repeat([]byte{0}, MaxFileSize+1)
	_, err = store.Upload(ctx, BlobMetadata{FileName: "big.png", ContentType: "image/png"}, bytes.NewReader(big))
	if !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("expected ErrFileTooLarge, got %v", err)
	}
}

func TestInMemoryBlobStore_Download(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta := seedBlob(t, store, pngHeader)

	rc, got, err := store.Download(context.Background(), meta.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if !bytes.Equal(data, pngHeader) {
		t.Errorf("downloaded content differs")
	}
	if got.PatientID != "patient-1" || got.DraftID != "draft-1" {
		t.Errorf("unexpected metadata: %+v", got)
	}

	if _, _, err := store.Download(context.Background(), "missing"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}
}

func TestInMemoryBlobStore_ConcurrentUploads(t *testing.T) {
	store := NewInMemoryBlobStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := append(append([]byte{}, pngHeader...), byte(i))
			_, _ = store.Upload(context.Background(), BlobMetadata{FileName: "t.png", ContentType: "image/png"}, bytes.NewReader(content))
		}(i)
	}
	wg.Wait()
	if store.Len() != 20 {
		t.Errorf("expected 20 blobs, got %d", store.Len())
	}
}

func TestBlobHandler_Download(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta := seedBlob(t, store, pngHeader)
	h := NewBlobHandler(store)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(meta.ID)

	if err := h.handleDownload(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}
	if etag := rec.Header().Get("ETag"); etag != `"`+meta.Hash+`"` {
		t.Errorf("unexpected etag %s", etag)
	}
	if !bytes.Equal(rec.Body.Bytes(), pngHeader) {
		t.Errorf("unexpected body")
	}
}

func TestBlobHandler_NotFound(t *testing.T) {
	h := NewBlobHandler(NewInMemoryBlobStore())
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")

	err := h.handleGetMetadata(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestBlobHandler_Metadata(t *testing.T) {
	store := NewInMemoryBlobStore()
	meta := seedBlob(t, store, pngHeader)
	h := NewBlobHandler(store)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(meta.ID)

	if err := h.handleGetMetadata(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got BlobMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != meta.ID || got.FileName != "trace.png" {
		t.Errorf("unexpected metadata: %+v", got)
	}
}

func TestObjectMetadataRoundTrip(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := BlobMetadata{FileName: "a.jpg", PatientID: "p", DraftID: "d", CreatedBy: "u", CreatedAt: created}
	out := fromObjectMetadata("abc", toObjectMetadata(in), "image/jpeg", 42)
	if out.ID != "abc" || out.Hash != "abc" || out.FileName != "a.jpg" || out.PatientID != "p" ||
		out.DraftID != "d" || out.CreatedBy != "u" || !out.CreatedAt.Equal(created) || out.Size != 42 {
		t.Errorf("unexpected metadata: %+v", out)
	}
	if objectKey("abc") != "images/abc" {
		t.Errorf("unexpected key %s", objectKey("abc"))
	}
}

func TestMapS3Error(t *testing.T) {
	if err := mapS3Error(&types.NoSuchKey{}); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound for NoSuchKey, got %v", err)
	}
	if err := mapS3Error(&types.NotFound{}); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound for NotFound, got %v", err)
	}
	other := errors.New("throttled")
	if err := mapS3Error(other); !errors.Is(err, other) {
		t.Errorf("expected passthrough, got %v", err)
	}
}

func TestNewS3BlobStore_CustomEndpoint(t *testing.T) {
	s, err := NewS3BlobStore(context.Background(), S3Config{
		Endpoint:        "http://localhost:9000",
		Region:          "us-east-1",
		Bucket:          "ecg-images",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.bucket != "ecg-images" {
		t.Errorf("unexpected bucket %s", s.bucket)
	}
}
