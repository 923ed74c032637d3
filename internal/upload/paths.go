package upload

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// randomUploadToken returns a fresh URL-safe token. 18 random bytes encode
// to 24 characters, enough that two uploads racing for the same realm and
// display name can never receive the same path.
func randomUploadToken() string {
	var buf [18]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic("upload: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf[:])
}

// GenerateAttachmentPath builds a storage path for a message attachment:
// the realm id as isolation prefix, a collision-resistant random segment,
// and the sanitized display name. Every call issues a distinct path.
func GenerateAttachmentPath(realmID int64, fileName string) string {
	return path.Join(
		strconv.FormatInt(realmID, 10),
		randomUploadToken(),
		SanitizeName(fileName),
	)
}

// AvatarPath returns the content-addressed storage path for an avatar.
// Deterministic by design: re-uploading the same hash overwrites.
func AvatarPath(hashKey string, medium bool) string {
	if medium {
		return hashKey + "-medium.png"
	}
	return hashKey + ".png"
}

// RealmAssetPath is the per-realm prefix for icon and logo uploads.
func RealmAssetPath(realmID int64) string {
	return path.Join(strconv.FormatInt(realmID, 10), "realm")
}

// RealmIconPath returns the storage path for a realm's icon.
func RealmIconPath(realmID int64) string {
	return path.Join(RealmAssetPath(realmID), "icon.png")
}

// RealmLogoPath returns the storage path for a realm's logo or its
// night-theme variant.
func RealmLogoPath(realmID int64, night bool) string {
	name := "logo.png"
	if night {
		name = "night_logo.png"
	}
	return path.Join(RealmAssetPath(realmID), name)
}

// EmojiPath returns the storage path for a custom emoji image, or for its
// static "still" preview used when animation is paused.
func EmojiPath(realmID int64, emojiFileName string, still bool) string {
	if still {
		base := strings.TrimSuffix(emojiFileName, path.Ext(emojiFileName))
		return path.Join(strconv.FormatInt(realmID, 10), "emoji", "images", "still", base+".png")
	}
	return path.Join(strconv.FormatInt(realmID, 10), "emoji", "images", emojiFileName)
}

// ExportTarballPath scopes a caller-supplied export path under the realm.
// Uniqueness of the suffix (e.g. an embedded random token) is the caller's
// responsibility; this only adds the tenant prefix.
func ExportTarballPath(realmID int64, exportPath string) string {
	return path.Join(strconv.FormatInt(realmID, 10), strings.TrimPrefix(exportPath, "/"))
}

// versionedURL appends a cache-busting version to an asset URL.
func versionedURL(url string, version int) string {
	return fmt.Sprintf("%s?version=%d", url, version)
}
