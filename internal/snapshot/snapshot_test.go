package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"repochat/pkg/domain"
)

type fakeObjectStore struct {
	objects map[string][]byte
	putErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.example.com/" + key + "?signed", nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.objects, key)
	return nil
}

func TestSaveAndPresign(t *testing.T) {
	objects := newFakeObjectStore()
	a := NewArchiver(objects, nil)
	ctx := context.Background()

	repo := domain.Repository{
		ID:    "r1",
		URL:   "https://github.com/acme/widget",
		Name:  "widget",
		Owner: "acme",
		Files: []domain.RepoFile{{Name: "main.go", Content: "package main"}},
	}
	a.Save(ctx, repo)

	data, ok := objects.objects["snapshots/r1.json"]
	if !ok {
		t.Fatalf("snapshot not written, keys: %v", objects.objects)
	}
	var doc struct {
		RepositoryID string            `json:"repositoryId"`
		Files        []domain.RepoFile `json:"files"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("snapshot is not JSON: %v", err)
	}
	if doc.RepositoryID != "r1" || len(doc.Files) != 1 {
		t.Fatalf("unexpected snapshot: %+v", doc)
	}

	url, found, err := a.PresignGet(ctx, "r1")
	if err != nil || !found {
		t.Fatalf("presign: found=%v err=%v", found, err)
	}
	if url == "" {
		t.Fatalf("expected presigned url")
	}

	_, found, err = a.PresignGet(ctx, "missing")
	if err != nil {
		t.Fatalf("presign missing: %v", err)
	}
	if found {
		t.Fatalf("expected no snapshot for missing repository")
	}
}

func TestNilArchiverIsNoop(t *testing.T) {
	var a *Archiver
	if a.Enabled() {
		t.Fatalf("nil archiver must report disabled")
	}
	a.Save(context.Background(), domain.Repository{ID: "r1"})
	_, found, err := a.PresignGet(context.Background(), "r1")
	if err != nil || found {
		t.Fatalf("nil archiver presign: found=%v err=%v", found, err)
	}
}

func TestNewArchiverNilStoreIsNil(t *testing.T) {
	if NewArchiver(nil, nil) != nil {
		t.Fatalf("expected nil archiver without object store")
	}
}
