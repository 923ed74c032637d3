package upload

import (
	"context"
	"io"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/attachment"
	"github.com/quillchat/quillchat/internal/identity"
	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
	"github.com/quillchat/quillchat/internal/storage"
)

// exportURLLifetime bounds how long a signed export-tarball URL stays
// fetchable on private object stores.
const exportURLLifetime = 7 * 24 * time.Hour

// Uploader is the application-facing upload service: it generates storage
// paths, persists payloads through the active backend, and registers
// message attachments with the recorder. It holds no mutable state and is
// safe for concurrent use.
type Uploader struct {
	backend  storage.Backend
	recorder *attachment.Recorder
}

// NewUploader creates an Uploader over the given backend and recorder.
func NewUploader(backend storage.Backend, recorder *attachment.Recorder) *Uploader {
	return &Uploader{backend: backend, recorder: recorder}
}

// Backend exposes the active storage backend.
func (u *Uploader) Backend() storage.Backend { return u.backend }

// UploadMessageAttachment stores a message attachment under a freshly
// generated realm-prefixed path and records its metadata. Returns the
// issued path id.
func (u *Uploader) UploadMessageAttachment(ctx context.Context, fileName, contentType string, body io.Reader, size int64, uploader *identity.UserProfile, realm *identity.Realm) (string, error) {
	pathID := GenerateAttachmentPath(realm.ID, fileName)

	if err := u.backend.Store(ctx, storage.Attachments, pathID, body, size, contentType); err != nil {
		metrics.RecordUpload(storage.Attachments.Name, size, false)
		return "", err
	}

	if _, err := u.recorder.Record(ctx, SanitizeName(fileName), pathID, uploader, realm, size); err != nil {
		metrics.RecordUpload(storage.Attachments.Name, size, false)
		// The stored bytes are orphaned if the record fails; clean up so
		// a retried upload does not leak objects.
		if _, delErr := u.backend.Delete(ctx, storage.Attachments, pathID); delErr != nil {
			logging.Error("orphaned attachment cleanup failed",
				zap.String("path_id", pathID),
				zap.Error(delErr))
		}
		return "", err
	}

	metrics.RecordUpload(storage.Attachments.Name, size, true)
	return pathID, nil
}

// AttachmentContents retrieves a stored attachment payload and its
// content type.
func (u *Uploader) AttachmentContents(ctx context.Context, pathID string) (io.ReadCloser, string, error) {
	return u.backend.Retrieve(ctx, storage.Attachments, pathID)
}

// AttachmentURL builds the fetchable URL for a stored attachment.
func (u *Uploader) AttachmentURL(pathID string) string {
	return u.backend.PublicURL(storage.Attachments, pathID)
}

// DeleteMessageAttachment removes the attachment's bytes and its metadata
// record, reporting whether anything was deleted.
func (u *Uploader) DeleteMessageAttachment(ctx context.Context, pathID string) (bool, error) {
	deleted, err := u.backend.Delete(ctx, storage.Attachments, pathID)
	if err != nil {
		return false, err
	}
	forgotten, err := u.recorder.Forget(ctx, pathID)
	if err != nil {
		return deleted, err
	}
	return deleted || forgotten, nil
}

// DeleteMessageAttachments removes a batch of attachments best-effort.
func (u *Uploader) DeleteMessageAttachments(ctx context.Context, pathIDs []string) {
	u.backend.DeleteMany(ctx, storage.Attachments, pathIDs)
	for _, pathID := range pathIDs {
		if _, err := u.recorder.Forget(ctx, pathID); err != nil {
			logging.Error("attachment metadata cleanup failed",
				zap.String("path_id", pathID),
				zap.Error(err))
		}
	}
}

// AllMessageAttachments enumerates every stored attachment, e.g. for
// garbage-collection sweeps against the metadata table.
func (u *Uploader) AllMessageAttachments(ctx context.Context) iter.Seq2[storage.ObjectInfo, error] {
	return u.backend.ListAll(ctx, storage.Attachments)
}

// UploadAvatarImage stores an avatar under its content-addressed path.
// Re-uploading the same hash key overwrites; last writer wins.
func (u *Uploader) UploadAvatarImage(ctx context.Context, hashKey string, medium bool, contentType string, body io.Reader, size int64) error {
	err := u.backend.Store(ctx, storage.Avatars, AvatarPath(hashKey, medium), body, size, contentType)
	metrics.RecordUpload(storage.Avatars.Name, size, err == nil)
	return err
}

// AvatarContents retrieves a stored avatar image.
func (u *Uploader) AvatarContents(ctx context.Context, hashKey string, medium bool) (io.ReadCloser, string, error) {
	return u.backend.Retrieve(ctx, storage.Avatars, AvatarPath(hashKey, medium))
}

// DeleteAvatarImage removes both the primary and medium avatar variants.
func (u *Uploader) DeleteAvatarImage(ctx context.Context, hashKey string) {
	u.backend.DeleteMany(ctx, storage.Avatars, []string{
		AvatarPath(hashKey, false),
		AvatarPath(hashKey, true),
	})
}

// AvatarURL builds the fetchable URL for an avatar.
func (u *Uploader) AvatarURL(hashKey string, medium bool) string {
	return u.backend.PublicURL(storage.Avatars, AvatarPath(hashKey, medium))
}

// UploadRealmIcon stores a realm's icon. Overwrites any previous version;
// cache busting happens via the versioned URL.
func (u *Uploader) UploadRealmIcon(ctx context.Context, realmID int64, contentType string, body io.Reader, size int64) error {
	err := u.backend.Store(ctx, storage.Avatars, RealmIconPath(realmID), body, size, contentType)
	metrics.RecordUpload(storage.Avatars.Name, size, err == nil)
	return err
}

// RealmIconURL builds a cache-busting URL for a realm icon. The version is
// an externally managed monotonic counter.
func (u *Uploader) RealmIconURL(realmID int64, version int) string {
	return versionedURL(u.backend.PublicURL(storage.Avatars, RealmIconPath(realmID)), version)
}

// UploadRealmLogo stores a realm's logo or its night-theme variant.
func (u *Uploader) UploadRealmLogo(ctx context.Context, realmID int64, night bool, contentType string, body io.Reader, size int64) error {
	err := u.backend.Store(ctx, storage.Avatars, RealmLogoPath(realmID, night), body, size, contentType)
	metrics.RecordUpload(storage.Avatars.Name, size, err == nil)
	return err
}

// RealmLogoURL builds a cache-busting URL for a realm logo.
func (u *Uploader) RealmLogoURL(realmID int64, version int, night bool) string {
	return versionedURL(u.backend.PublicURL(storage.Avatars, RealmLogoPath(realmID, night)), version)
}

// UploadEmojiImage stores a custom emoji image, or its static "still"
// preview when still is true.
func (u *Uploader) UploadEmojiImage(ctx context.Context, realmID int64, emojiFileName string, still bool, contentType string, body io.Reader, size int64) error {
	err := u.backend.Store(ctx, storage.Avatars, EmojiPath(realmID, emojiFileName, still), body, size, contentType)
	metrics.RecordUpload(storage.Avatars.Name, size, err == nil)
	return err
}

// EmojiURL builds the fetchable URL for a custom emoji.
func (u *Uploader) EmojiURL(realmID int64, emojiFileName string, still bool) string {
	return u.backend.PublicURL(storage.Avatars, EmojiPath(realmID, emojiFileName, still))
}

// UploadExportTarball stores a data-export tarball under the realm-scoped
// export path and returns its fetchable URL. The caller supplies an
// already-unique export path.
func (u *Uploader) UploadExportTarball(ctx context.Context, realm *identity.Realm, exportPath string, body io.Reader, size int64) (string, error) {
	pathID := ExportTarballPath(realm.ID, exportPath)

	if err := u.backend.Store(ctx, storage.Exports, pathID, body, size, "application/gzip"); err != nil {
		metrics.RecordUpload(storage.Exports.Name, size, false)
		return "", err
	}
	metrics.RecordUpload(storage.Exports.Name, size, true)

	return u.backend.SignedURL(ctx, storage.Exports, pathID, exportURLLifetime)
}

// ExportTarballURL builds a fetchable URL for an uploaded export tarball.
func (u *Uploader) ExportTarballURL(ctx context.Context, realm *identity.Realm, exportPath string) (string, error) {
	return u.backend.SignedURL(ctx, storage.Exports, ExportTarballPath(realm.ID, exportPath), exportURLLifetime)
}

// DeleteExportTarball removes an export tarball, reporting whether it
// existed.
func (u *Uploader) DeleteExportTarball(ctx context.Context, realm *identity.Realm, exportPath string) (bool, error) {
	return u.backend.Delete(ctx, storage.Exports, ExportTarballPath(realm.ID, exportPath))
}
