package attachment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/events"
	"github.com/quillchat/quillchat/internal/identity"
	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
)

// ErrRealmMismatch is returned when a principal tries to record an
// attachment into a realm it does not belong to. This is a caller bug, not
// a user-facing condition: callers must resolve the target realm before
// reaching the recorder.
var ErrRealmMismatch = errors.New("attachment: uploader realm does not match target realm")

// Recorder creates attachment metadata and emits change notifications.
type Recorder struct {
	store       MetadataStore
	broadcaster *events.Broadcaster
}

// NewRecorder creates a recorder over the given store and broadcaster.
func NewRecorder(store MetadataStore, broadcaster *events.Broadcaster) *Recorder {
	return &Recorder{store: store, broadcaster: broadcaster}
}

// Record creates exactly one metadata record for a stored attachment and
// publishes an "add" notification. The realm invariant is checked before
// any persistent write: the uploader must belong to the target realm
// unless it is a cross-realm system bot. Notification delivery is
// fire-and-forget and can never fail the recorded write.
func (r *Recorder) Record(ctx context.Context, fileName, pathID string, uploader *identity.UserProfile, realm *identity.Realm, size int64) (*Record, error) {
	if !uploader.CanWriteToRealm(realm.ID) {
		metrics.RecordAttachmentRecord(false)
		return nil, fmt.Errorf("record %s: uploader %d in realm %d, target realm %d: %w",
			pathID, uploader.ID, uploader.RealmID, realm.ID, ErrRealmMismatch)
	}

	rec := &Record{
		FileName:   fileName,
		PathID:     pathID,
		OwnerID:    uploader.ID,
		RealmID:    realm.ID,
		Size:       size,
		CreateTime: time.Now().UTC(),
	}

	if err := r.store.Create(ctx, rec); err != nil {
		metrics.RecordAttachmentRecord(false)
		return nil, err
	}
	metrics.RecordAttachmentRecord(true)

	r.broadcaster.Publish(events.Event{
		Actor: uploader.ID,
		Op:    events.OpAdd,
		Attachment: events.AttachmentSummary{
			PathID:   rec.PathID,
			FileName: rec.FileName,
			RealmID:  rec.RealmID,
			Size:     rec.Size,
		},
	})
	logging.Debug("attachment recorded",
		zap.String("path_id", rec.PathID),
		zap.Int64("owner_id", rec.OwnerID),
		zap.Int64("realm_id", rec.RealmID),
		zap.Int64("size", rec.Size))

	return rec, nil
}

// Forget removes the metadata record for a deleted attachment and
// publishes a "remove" notification when one existed.
func (r *Recorder) Forget(ctx context.Context, pathID string) (bool, error) {
	rec, err := r.store.GetByPathID(ctx, pathID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	deleted, err := r.store.Delete(ctx, pathID)
	if err != nil {
		return false, err
	}
	if deleted {
		r.broadcaster.Publish(events.Event{
			Actor: rec.OwnerID,
			Op:    events.OpRemove,
			Attachment: events.AttachmentSummary{
				PathID:   rec.PathID,
				FileName: rec.FileName,
				RealmID:  rec.RealmID,
				Size:     rec.Size,
			},
		})
	}
	return deleted, nil
}
