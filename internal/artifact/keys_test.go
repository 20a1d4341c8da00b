package artifact

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/oriys/usher/internal/domain"
)

var uuidRe = `[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`

func TestRecordingKeyShape(t *testing.T) {
	key := RecordingKey(domain.PlatformMeet, "mp4")
	re := regexp.MustCompile(`^recordings/` + uuidRe + `-meet-recording\.mp4$`)
	if !re.MatchString(key) {
		t.Fatalf("unexpected recording key %q", key)
	}
}

func TestRecordingKeyDefaultsExtension(t *testing.T) {
	key := RecordingKey(domain.PlatformZoom, "")
	if !strings.HasSuffix(key, "-zoom-recording.mp4") {
		t.Fatalf("missing default extension: %q", key)
	}
}

func TestRecordingKeysAreUnique(t *testing.T) {
	a := RecordingKey(domain.PlatformTeams, "webm")
	b := RecordingKey(domain.PlatformTeams, "webm")
	if a == b {
		t.Fatalf("keys must not collide: %q", a)
	}
}

func TestScreenshotKeyShape(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	key := ScreenshotKey(42, "fatal", at)
	re := regexp.MustCompile(`^bots/42/screenshots/` + uuidRe + `-fatal-1700000000000\.png$`)
	if !re.MatchString(key) {
		t.Fatalf("unexpected screenshot key %q", key)
	}
}
