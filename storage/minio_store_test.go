package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("a", size)), 0o600))
	return p
}

func TestPutStreamsFileAndReportsProgress(t *testing.T) {
	var gotBody []byte
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := writeTempFile(t, 256<<10)
	store := &MinioStore{http: srv.Client()}

	var mu sync.Mutex
	var progress []int
	err := store.Put(context.Background(), path, srv.URL+"/obj", "application/pdf", func(p int) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()

	assert.Len(t, gotBody, 256<<10)
	assert.Equal(t, "application/pdf", gotType)
	require.NotEmpty(t, progress)
	assert.Equal(t, 0, progress[0])
	assert.Equal(t, 100, progress[len(progress)-1])
	for i := 1; i < len(progress); i++ {
		assert.Greater(t, progress[i], progress[i-1])
	}
}

func TestPutExpiredTargetIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>"))
	}))
	defer srv.Close()

	store := &MinioStore{http: srv.Client()}
	err := store.Put(context.Background(), writeTempFile(t, 10), srv.URL, "application/pdf", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTargetRejected))
	assert.Contains(t, err.Error(), "Request has expired")
}

func TestPutServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &MinioStore{http: srv.Client()}
	err := store.Put(context.Background(), writeTempFile(t, 10), srv.URL, "application/pdf", nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTargetRejected))
}

func TestPutMissingFile(t *testing.T) {
	store := &MinioStore{http: http.DefaultClient}
	err := store.Put(context.Background(), filepath.Join(t.TempDir(), "nope.pdf"), "http://127.0.0.1:1", "application/pdf", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestObjectNameAndURL(t *testing.T) {
	id := uuid.MustParse("5b0b3f5e-4a53-4a55-9d1c-2f6f0f0b9c11")
	assert.Equal(t, "materials/5b0b3f5e-4a53-4a55-9d1c-2f6f0f0b9c11/intro.pdf", ObjectName(id, "/tmp/upload/intro.pdf"))
	assert.Equal(t, "materials/5b0b3f5e-4a53-4a55-9d1c-2f6f0f0b9c11/intro.pdf", ObjectName(id, `C:\docs\intro.pdf`))

	assert.Equal(t, "s3://materials/materials/a/b.pdf", ObjectURL("materials", "materials/a/b.pdf"))
	assert.Equal(t, "materials/5b0b3f5e-4a53-4a55-9d1c-2f6f0f0b9c11/file", ObjectName(id, ""))
}
