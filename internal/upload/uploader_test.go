package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillchat/quillchat/internal/attachment"
	"github.com/quillchat/quillchat/internal/events"
	"github.com/quillchat/quillchat/internal/identity"
	"github.com/quillchat/quillchat/internal/storage"
)

// memBackend is an in-memory storage.Backend for tests.
type memBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBackend() *memBackend {
	return &memBackend{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func key(cat storage.Category, pathID string) string {
	return cat.Name + "/" + pathID
}

func (m *memBackend) Store(_ context.Context, cat storage.Category, pathID string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cat, pathID)
	if cat.Unique {
		if _, exists := m.objects[k]; exists {
			return fmt.Errorf("store %s: %w", pathID, storage.ErrAlreadyExists)
		}
	}
	m.objects[k] = data
	m.types[k] = contentType
	return nil
}

func (m *memBackend) Retrieve(_ context.Context, cat storage.Category, pathID string) (io.ReadCloser, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cat, pathID)
	data, ok := m.objects[k]
	if !ok {
		return nil, "", fmt.Errorf("retrieve %s: %w", pathID, storage.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), m.types[k], nil
}

func (m *memBackend) Delete(_ context.Context, cat storage.Category, pathID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(cat, pathID)
	if _, ok := m.objects[k]; !ok {
		return false, nil
	}
	delete(m.objects, k)
	delete(m.types, k)
	return true, nil
}

func (m *memBackend) DeleteMany(ctx context.Context, cat storage.Category, pathIDs []string) {
	for _, pathID := range pathIDs {
		m.Delete(ctx, cat, pathID)
	}
}

func (m *memBackend) ListAll(_ context.Context, cat storage.Category) iter.Seq2[storage.ObjectInfo, error] {
	m.mu.Lock()
	var infos []storage.ObjectInfo
	for k := range m.objects {
		if pathID, ok := strings.CutPrefix(k, cat.Name+"/"); ok {
			infos = append(infos, storage.ObjectInfo{PathID: pathID, CreatedAt: time.Now()})
		}
	}
	m.mu.Unlock()
	return func(yield func(storage.ObjectInfo, error) bool) {
		for _, info := range infos {
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *memBackend) PublicURL(cat storage.Category, pathID string) string {
	return "/user_uploads/" + key(cat, pathID)
}

func (m *memBackend) SignedURL(_ context.Context, cat storage.Category, pathID string, _ time.Duration) (string, error) {
	return m.PublicURL(cat, pathID), nil
}

func (m *memBackend) Type() string { return "mem" }
func (m *memBackend) Close() error { return nil }

func (m *memBackend) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// memStore is an in-memory attachment.MetadataStore for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*attachment.Record
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*attachment.Record)}
}

func (s *memStore) Create(_ context.Context, rec *attachment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.PathID]; exists {
		return attachment.ErrDuplicatePathID
	}
	s.nextID++
	rec.ID = s.nextID
	copied := *rec
	s.records[rec.PathID] = &copied
	return nil
}

func (s *memStore) GetByPathID(_ context.Context, pathID string) (*attachment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[pathID]
	if !ok {
		return nil, attachment.ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *memStore) Delete(_ context.Context, pathID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[pathID]; !ok {
		return false, nil
	}
	delete(s.records, pathID)
	return true, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func newTestUploader() (*Uploader, *memBackend, *memStore, chan events.Event, *events.Broadcaster) {
	backend := newMemBackend()
	store := newMemStore()
	broadcaster := events.NewBroadcaster()
	ch := broadcaster.Subscribe()
	uploader := NewUploader(backend, attachment.NewRecorder(store, broadcaster))
	return uploader, backend, store, ch, broadcaster
}

func TestUploadMessageAttachmentEndToEnd(t *testing.T) {
	u, _, store, ch, _ := newTestUploader()
	ctx := context.Background()

	payload := []byte("pdf bytes go here")
	user := &identity.UserProfile{ID: 101, RealmID: 7}
	realm := &identity.Realm{ID: 7}

	pathID, err := u.UploadMessageAttachment(ctx,
		"Q1 Report (final)!!.pdf", "application/pdf",
		bytes.NewReader(payload), int64(len(payload)), user, realm)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	if !strings.HasPrefix(pathID, "7/") {
		t.Errorf("expected realm prefix 7/, got %q", pathID)
	}
	if !strings.HasSuffix(pathID, "/Q1-Report-final.pdf") {
		t.Errorf("expected sanitized name suffix, got %q", pathID)
	}

	// Bytes stored with the declared content type
	body, contentType, err := u.AttachmentContents(ctx, pathID)
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if !bytes.Equal(data, payload) {
		t.Error("retrieved bytes do not match upload")
	}
	if contentType != "application/pdf" {
		t.Errorf("content type = %q", contentType)
	}

	// Exactly one metadata record with the uploaded size
	if store.count() != 1 {
		t.Fatalf("expected 1 record, got %d", store.count())
	}
	rec, err := store.GetByPathID(ctx, pathID)
	if err != nil {
		t.Fatalf("record lookup failed: %v", err)
	}
	if rec.Size != int64(len(payload)) {
		t.Errorf("record size = %d, want %d", rec.Size, len(payload))
	}
	if rec.OwnerID != 101 || rec.RealmID != 7 {
		t.Errorf("record ownership = user %d realm %d", rec.OwnerID, rec.RealmID)
	}
	if rec.FileName != "Q1-Report-final.pdf" {
		t.Errorf("record file name = %q", rec.FileName)
	}

	// Exactly one "add" notification
	select {
	case event := <-ch:
		if event.Op != events.OpAdd {
			t.Errorf("event op = %q, want add", event.Op)
		}
		if event.Actor != 101 {
			t.Errorf("event actor = %d", event.Actor)
		}
		if event.Attachment.PathID != pathID {
			t.Errorf("event path id = %q", event.Attachment.PathID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for add event")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

func TestUploadSameNameNeverCollides(t *testing.T) {
	u, _, store, _, _ := newTestUploader()
	ctx := context.Background()

	user := &identity.UserProfile{ID: 1, RealmID: 7}
	realm := &identity.Realm{ID: 7}

	const n = 20
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pathID, err := u.UploadMessageAttachment(ctx,
				"dup.txt", "text/plain", strings.NewReader("x"), 1, user, realm)
			if err != nil {
				t.Errorf("upload failed: %v", err)
				return
			}
			paths <- pathID
		}()
	}
	wg.Wait()
	close(paths)

	seen := make(map[string]struct{})
	for p := range paths {
		if _, dup := seen[p]; dup {
			t.Fatalf("duplicate path id issued: %q", p)
		}
		seen[p] = struct{}{}
	}
	if store.count() != n {
		t.Errorf("expected %d records, got %d", n, store.count())
	}
}

func TestUploadRealmMismatchAbortsAndCleansUp(t *testing.T) {
	u, backend, store, ch, _ := newTestUploader()
	ctx := context.Background()

	user := &identity.UserProfile{ID: 1, RealmID: 3}
	otherRealm := &identity.Realm{ID: 7}

	_, err := u.UploadMessageAttachment(ctx,
		"sneaky.txt", "text/plain", strings.NewReader("x"), 1, user, otherRealm)
	if !errors.Is(err, attachment.ErrRealmMismatch) {
		t.Fatalf("expected ErrRealmMismatch, got %v", err)
	}
	if store.count() != 0 {
		t.Errorf("expected no records, got %d", store.count())
	}
	if backend.count() != 0 {
		t.Errorf("expected orphaned bytes cleaned up, %d objects remain", backend.count())
	}
	select {
	case event := <-ch:
		t.Fatalf("unexpected event: %+v", event)
	default:
	}
}

func TestCrossRealmBotMayUploadAnywhere(t *testing.T) {
	u, _, store, _, _ := newTestUploader()
	ctx := context.Background()

	bot := &identity.UserProfile{ID: 2, RealmID: 1, CrossRealmBot: true}
	realm := &identity.Realm{ID: 7}

	if _, err := u.UploadMessageAttachment(ctx,
		"notice.txt", "text/plain", strings.NewReader("x"), 1, bot, realm); err != nil {
		t.Fatalf("cross-realm bot upload failed: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("expected 1 record, got %d", store.count())
	}
}

func TestDeleteMessageAttachment(t *testing.T) {
	u, _, store, _, _ := newTestUploader()
	ctx := context.Background()

	user := &identity.UserProfile{ID: 1, RealmID: 7}
	realm := &identity.Realm{ID: 7}

	pathID, err := u.UploadMessageAttachment(ctx,
		"gone.txt", "text/plain", strings.NewReader("x"), 1, user, realm)
	if err != nil {
		t.Fatal(err)
	}

	deleted, err := u.DeleteMessageAttachment(ctx, pathID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected deleted=true")
	}
	if store.count() != 0 {
		t.Errorf("expected metadata removed, %d records remain", store.count())
	}

	if _, _, err := u.AttachmentContents(ctx, pathID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteNonexistentReturnsFalse(t *testing.T) {
	u, _, _, _, _ := newTestUploader()

	deleted, err := u.DeleteMessageAttachment(context.Background(), "nonexistent/path")
	if err != nil {
		t.Fatalf("delete of missing key must not error: %v", err)
	}
	if deleted {
		t.Error("expected deleted=false for missing key")
	}
}

func TestAvatarUploadIsIdempotent(t *testing.T) {
	u, _, _, _, _ := newTestUploader()
	ctx := context.Background()

	if err := u.UploadAvatarImage(ctx, "hash1", false, "image/png", strings.NewReader("v1"), 2); err != nil {
		t.Fatal(err)
	}
	// Same hash key overwrites, last writer wins
	if err := u.UploadAvatarImage(ctx, "hash1", false, "image/png", strings.NewReader("v2"), 2); err != nil {
		t.Fatalf("avatar re-upload must overwrite, got %v", err)
	}

	body, _, err := u.AvatarContents(ctx, "hash1", false)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "v2" {
		t.Errorf("expected last write to win, got %q", data)
	}
}

func TestRealmAssetURLs(t *testing.T) {
	u, _, _, _, _ := newTestUploader()

	if got := u.AvatarURL("h", true); got != "/user_uploads/avatars/h-medium.png" {
		t.Errorf("AvatarURL = %q", got)
	}
	if got := u.RealmIconURL(42, 5); got != "/user_uploads/avatars/42/realm/icon.png?version=5" {
		t.Errorf("RealmIconURL = %q", got)
	}
	if got := u.RealmLogoURL(42, 2, true); got != "/user_uploads/avatars/42/realm/night_logo.png?version=2" {
		t.Errorf("RealmLogoURL = %q", got)
	}
	if got := u.EmojiURL(5, "party.gif", true); got != "/user_uploads/avatars/5/emoji/images/still/party.png" {
		t.Errorf("EmojiURL = %q", got)
	}
}

func TestUploadExportTarball(t *testing.T) {
	u, _, _, _, _ := newTestUploader()
	ctx := context.Background()
	realm := &identity.Realm{ID: 9}

	url, err := u.UploadExportTarball(ctx, realm, "tok123/export.tar.gz", strings.NewReader("tar"), 3)
	if err != nil {
		t.Fatal(err)
	}
	if url != "/user_uploads/exports/9/tok123/export.tar.gz" {
		t.Errorf("export url = %q", url)
	}

	deleted, err := u.DeleteExportTarball(ctx, realm, "tok123/export.tar.gz")
	if err != nil || !deleted {
		t.Errorf("expected export deleted, got %v %v", deleted, err)
	}
}

func TestAllMessageAttachments(t *testing.T) {
	u, _, _, _, _ := newTestUploader()
	ctx := context.Background()

	user := &identity.UserProfile{ID: 1, RealmID: 7}
	realm := &identity.Realm{ID: 7}
	for i := 0; i < 3; i++ {
		if _, err := u.UploadMessageAttachment(ctx,
			"f.txt", "text/plain", strings.NewReader("x"), 1, user, realm); err != nil {
			t.Fatal(err)
		}
	}

	count := 0
	for _, err := range u.AllMessageAttachments(ctx) {
		if err != nil {
			t.Fatalf("listing failed: %v", err)
		}
		count++
	}
	if count != 3 {
		t.Errorf("expected 3 attachments listed, got %d", count)
	}
}
